// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	abi "gvisor.dev/vmx/pkg/abi/kvm"
	"gvisor.dev/vmx/pkg/hostmm"
	"gvisor.dev/vmx/pkg/kvm"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/softvmx"
)

// debugPort is the port guests write console bytes to.
const debugPort = 0xe9

// programs are the built-in guests. Each is loaded at guest-physical zero and
// entered in flat 32-bit mode.
var programs = map[string][]byte{
	"hello": helloProgram("hello, world\n"),
	// cpuid; hlt
	"cpuid": {0x0f, 0xa2, 0xf4},
	// mov eax, [0x100000]; hlt
	"mmio": {0xa1, 0x00, 0x00, 0x10, 0x00, 0xf4},
	// int3
	"breakpoint": {0xcc},
	// in al, 0x60; out 0xe9, al; hlt
	"echo": {0xe4, 0x60, 0xe6, debugPort, 0xf4},
}

// helloProgram returns a guest that writes s to the debug port and halts.
func helloProgram(s string) []byte {
	var p []byte
	for _, c := range []byte(s) {
		// mov eax, c; out debugPort, al
		p = append(p, 0xb8, c, 0, 0, 0, 0xe6, debugPort)
	}
	return append(p, 0xf4)
}

// loadProgram returns the built-in program called name, or name decoded as
// hex bytes.
func loadProgram(name string) ([]byte, error) {
	if p, ok := programs[name]; ok {
		return p, nil
	}
	p, err := hex.DecodeString(strings.ReplaceAll(name, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("%q is neither a built-in program nor hex: %w", name, err)
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("empty program")
	}
	return p, nil
}

// Run implements subcommands.Command for the "run" command.
type Run struct {
	configPath string
	program    string
	vcpus      int
	cpus       int
	memPages   int
	maxExits   int
	quantum    int
	eager      bool
	dirtyLog   bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a guest program on the software VMX platform"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf(`run [flags]

Creates a VM through the /dev/kvm ioctl surface on a software VMX platform,
loads a guest program at guest-physical zero and runs it on every vCPU until
each one halts. Built-in programs: %s. Any other -program value is decoded as
hex machine code.
`, strings.Join(names, ", "))
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "path to a TOML registry configuration.")
	f.StringVar(&r.program, "program", "hello", "built-in program name or hex machine code.")
	f.IntVar(&r.vcpus, "vcpus", 1, "number of vCPUs, each running the program.")
	f.IntVar(&r.cpus, "cpus", 2, "number of logical CPUs of the platform.")
	f.IntVar(&r.memPages, "mem-pages", 16, "size of guest memory in pages.")
	f.IntVar(&r.maxExits, "max-exits", 1000, "userspace exits allowed per vCPU before giving up.")
	f.IntVar(&r.quantum, "quantum", softvmx.DefaultQuantum, "guest instructions per entry before a timer exit.")
	f.BoolVar(&r.eager, "eager-map", false, "map guest memory into EPT when the slot is installed.")
	f.BoolVar(&r.dirtyLog, "dirty-log", false, "log dirty pages and report them after the run.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if r.vcpus <= 0 || r.cpus <= 0 || r.memPages <= 0 || r.maxExits <= 0 || r.quantum <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg := kvm.DefaultConfig()
	if r.configPath != "" {
		var err error
		if cfg, err = kvm.LoadConfig(r.configPath); err != nil {
			return Errorf("%v", err)
		}
	}
	if r.eager {
		cfg.EagerMap = true
	}
	prog, err := loadProgram(r.program)
	if err != nil {
		return Errorf("%v", err)
	}
	if len(prog) > r.memPages*hostarch.PageSize {
		return Errorf("program of %d bytes does not fit in %d pages", len(prog), r.memPages)
	}

	pm := hostmm.NewPhysicalMemory()
	as := hostmm.NewAddressSpace(pm)
	p := softvmx.New(r.cpus, pm, softvmx.WithQuantum(r.quantum))
	reg, err := kvm.NewRegistry(p, as, cfg)
	if err != nil {
		return Errorf("creating registry: %v", err)
	}
	defer reg.Shutdown()

	m := &machine{
		as:       as,
		files:    &fdTable{files: make(map[int32]kvm.File)},
		cpus:     r.cpus,
		maxExits: r.maxExits,
	}
	defer m.files.releaseAll()
	if err := m.create(reg, prog, r.memPages, r.dirtyLog); err != nil {
		return Errorf("creating VM: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	m.vcpus = make([]*kvm.VCPUFile, r.vcpus)
	for id := 0; id < r.vcpus; id++ {
		g.Go(func() error {
			return m.runVCPU(gctx, id)
		})
	}
	runErr := g.Wait()

	m.report(r.dirtyLog)
	if runErr != nil {
		return Errorf("%v", runErr)
	}
	return subcommands.ExitSuccess
}

// fdTable is the file table shared by the threads of the VMM.
type fdTable struct {
	mu    sync.Mutex
	next  int32
	files map[int32]kvm.File
}

func (t *fdTable) install(f kvm.File) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next + 3
	t.next++
	t.files[fd] = f
	return fd
}

func (t *fdTable) get(fd uint64) kvm.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[int32(fd)]
}

func (t *fdTable) releaseAll() {
	t.mu.Lock()
	files := t.files
	t.files = make(map[int32]kvm.File)
	t.mu.Unlock()
	for _, f := range files {
		f.Release()
	}
}

// thread is an OS thread of the VMM. Goroutines that issue vCPU ioctls lock
// themselves to their thread.
type thread struct {
	tid   int32
	cpu   int
	files *fdTable
}

var _ kvm.Thread = (*thread)(nil)

func currentThread(cpu int, files *fdTable) *thread {
	return &thread{tid: int32(unix.Gettid()), cpu: cpu, files: files}
}

// ThreadID implements kvm.Thread.ThreadID.
func (t *thread) ThreadID() int32 {
	return t.tid
}

// CPU implements kvm.Thread.CPU.
func (t *thread) CPU() int {
	return t.cpu
}

// NewFD implements kvm.Thread.NewFD.
func (t *thread) NewFD(f kvm.File) (int32, error) {
	return t.files.install(f), nil
}

// marshaller is an ABI structure passed by address to an ioctl.
type marshaller interface {
	SizeBytes() int
	MarshalBytes(dst []byte) []byte
	UnmarshalBytes(src []byte) []byte
}

// machine is a VMM driving one VM through its files.
type machine struct {
	as       *hostmm.AddressSpace
	files    *fdTable
	cpus     int
	maxExits int

	vm    kvm.File
	mem   hostarch.Addr
	pages int

	// vcpus is indexed by vCPU id. Each entry is written by its own
	// goroutine before errgroup.Wait returns.
	vcpus []*kvm.VCPUFile
}

// ioctlIn marshals v into scratch and issues req with its address.
func (m *machine) ioctlIn(t *thread, f kvm.File, req uint32, scratch hostarch.Addr, v marshaller) error {
	buf := make([]byte, v.SizeBytes())
	v.MarshalBytes(buf)
	if err := m.as.CopyOut(scratch, buf); err != nil {
		return err
	}
	_, err := f.Ioctl(t, m.as, req, uint64(scratch))
	return err
}

// ioctlOut issues req with the address of scratch and unmarshals v from it.
func (m *machine) ioctlOut(t *thread, f kvm.File, req uint32, scratch hostarch.Addr, v marshaller) error {
	if _, err := f.Ioctl(t, m.as, req, uint64(scratch)); err != nil {
		return err
	}
	buf := make([]byte, v.SizeBytes())
	if err := m.as.CopyIn(scratch, buf); err != nil {
		return err
	}
	v.UnmarshalBytes(buf)
	return nil
}

// create opens /dev/kvm, creates the VM and installs prog in slot 0.
func (m *machine) create(reg *kvm.Registry, prog []byte, pages int, dirtyLog bool) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	t := currentThread(0, m.files)

	dev, err := reg.Open()
	if err != nil {
		return err
	}
	if size, err := dev.Ioctl(t, m.as, abi.GET_VCPU_MMAP_SIZE, 0); err != nil {
		return err
	} else if size < hostarch.PageSize {
		return fmt.Errorf("vCPU mmap size %d is smaller than a run page", size)
	}
	fd, err := dev.Ioctl(t, m.as, abi.CREATE_VM, abi.X86DefaultVM)
	if err != nil {
		return fmt.Errorf("CREATE_VM: %w", err)
	}
	m.vm = m.files.get(fd)

	if m.mem, err = m.as.MapAnonymous(uint64(pages) * hostarch.PageSize); err != nil {
		return err
	}
	m.pages = pages
	if err := m.as.CopyOut(m.mem, prog); err != nil {
		return err
	}
	scratch, err := m.as.MapAnonymous(hostarch.PageSize)
	if err != nil {
		return err
	}
	region := abi.UserspaceMemoryRegion{
		MemorySize:    uint64(pages) * hostarch.PageSize,
		UserspaceAddr: uint64(m.mem),
	}
	if dirtyLog {
		region.Flags = abi.MEM_LOG_DIRTY_PAGES
	}
	if err := m.ioctlIn(t, m.vm, abi.SET_USER_MEMORY_REGION, scratch, &region); err != nil {
		return fmt.Errorf("SET_USER_MEMORY_REGION: %w", err)
	}
	log.Infof("VM created with %d pages of memory at %#x, program of %d bytes", pages, m.mem, len(prog))
	return nil
}

// runVCPU creates vCPU id and runs it until it halts.
func (m *machine) runVCPU(ctx context.Context, id int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	t := currentThread(id%m.cpus, m.files)

	scratch, err := m.as.MapAnonymous(hostarch.PageSize)
	if err != nil {
		return err
	}
	fd, err := m.vm.Ioctl(t, m.as, abi.CREATE_VCPU, uint64(id))
	if err != nil {
		return fmt.Errorf("vCPU %d: CREATE_VCPU: %w", id, err)
	}
	f := m.files.get(fd).(*kvm.VCPUFile)
	m.vcpus[id] = f

	// Flat mode with code at guest-physical zero.
	var sregs abi.Sregs
	if err := m.ioctlOut(t, f, abi.GET_SREGS, scratch, &sregs); err != nil {
		return fmt.Errorf("vCPU %d: GET_SREGS: %w", id, err)
	}
	sregs.CS.Base, sregs.CS.Selector = 0, 0
	if err := m.ioctlIn(t, f, abi.SET_SREGS, scratch, &sregs); err != nil {
		return fmt.Errorf("vCPU %d: SET_SREGS: %w", id, err)
	}
	regs := abi.Regs{RFLAGS: vmx.ResetRFLAGS}
	if err := m.ioctlIn(t, f, abi.SET_REGS, scratch, &regs); err != nil {
		return fmt.Errorf("vCPU %d: SET_REGS: %w", id, err)
	}

	var console strings.Builder
	defer func() {
		if console.Len() > 0 {
			fmt.Printf("vcpu %d: %s\n", id, console.String())
		}
	}()
	page := f.RunPage()
	for n := 0; n < m.maxExits; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := f.Ioctl(t, m.as, abi.RUN, 0); err != nil {
			return fmt.Errorf("vCPU %d: RUN: %w", id, err)
		}
		var run abi.Run
		run.UnmarshalExit(page)
		done, err := m.handleExit(id, &run, page, &console)
		if err != nil || done {
			return err
		}
	}
	return fmt.Errorf("vCPU %d: still running after %d exits", id, m.maxExits)
}

// handleExit services one userspace exit. It returns true once the vCPU has
// halted.
func (m *machine) handleExit(id int, run *abi.Run, page []byte, console *strings.Builder) (bool, error) {
	switch run.ExitReason {
	case abi.EXIT_HLT:
		log.Debugf("vCPU %d: HLT", id)
		return true, nil

	case abi.EXIT_IO:
		n := uint64(run.IO.Size) * uint64(run.IO.Count)
		if run.IO.DataOffset+n > uint64(len(page)) {
			return false, fmt.Errorf("vCPU %d: I/O data at %d+%d outside the run page", id, run.IO.DataOffset, n)
		}
		data := page[run.IO.DataOffset : run.IO.DataOffset+n]
		if run.IO.Direction == abi.EXIT_IO_IN {
			// Nothing decodes reads: the bus floats high.
			for i := range data {
				data[i] = 0xff
			}
			log.Debugf("vCPU %d: IN port %#x", id, run.IO.Port)
			return false, nil
		}
		if run.IO.Port != debugPort {
			fmt.Printf("vcpu %d: out port %#x: % x\n", id, run.IO.Port, data)
			return false, nil
		}
		for _, b := range data {
			if b == '\n' {
				fmt.Printf("vcpu %d: %s\n", id, console.String())
				console.Reset()
				continue
			}
			console.WriteByte(b)
		}
		return false, nil

	case abi.EXIT_MMIO:
		dir := "read"
		if run.MMIO.IsWrite != 0 {
			dir = "write"
		}
		return false, fmt.Errorf("vCPU %d: MMIO %s at %#x", id, dir, run.MMIO.PhysAddr)

	case abi.EXIT_EXCEPTION:
		return false, fmt.Errorf("vCPU %d: exception %d, error code %#x", id, run.Ex.Exception, run.Ex.ErrorCode)

	case abi.EXIT_SHUTDOWN:
		return false, fmt.Errorf("vCPU %d: shutdown", id)

	case abi.EXIT_FAIL_ENTRY:
		return false, fmt.Errorf("vCPU %d: VM entry failed on CPU %d: %v", id, run.FailEntry.CPU, vmx.ExitReason(run.FailEntry.HardwareEntryFailureReason))

	case abi.EXIT_UNKNOWN:
		return false, fmt.Errorf("vCPU %d: unhandled exit %v", id, vmx.ExitReason(run.HardwareExitReason))

	default:
		return false, fmt.Errorf("vCPU %d: unexpected exit reason %d", id, run.ExitReason)
	}
}

// report prints exit statistics and, if requested, the dirty log.
func (m *machine) report(dirtyLog bool) {
	for id, f := range m.vcpus {
		if f == nil {
			continue
		}
		s := f.VCPU().Stats().Snapshot()
		fmt.Printf("vcpu %d: %d exits, %d external interrupts, %d EPT violations (%d fixed, %d spurious, %d mmio), %d I/O, %d unhandled\n",
			id, s.Exits, s.ExternalInterrupts, s.EPTViolations, s.FaultsFixed, s.FaultsSpurious, s.FaultsMMIO, s.IOExits, s.Unhandled)
		reasons := make([]vmx.BasicExitReason, 0, len(s.ByReason))
		for r := range s.ByReason {
			reasons = append(reasons, r)
		}
		sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
		for _, r := range reasons {
			fmt.Printf("    %-24v %d\n", r, s.ByReason[r])
		}
	}
	if !dirtyLog {
		return
	}
	dirty, err := m.dirtyPages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}
	fmt.Printf("dirty pages: %v\n", dirty)
}

// dirtyPages fetches and clears the dirty log of slot 0 with GET_DIRTY_LOG
// and returns the indices of the pages written since the last call.
func (m *machine) dirtyPages() ([]int, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	t := currentThread(0, m.files)

	// The bitmap is one bit per page in whole 64-bit words.
	size := (m.pages + 63) / 64 * 8
	scratch, err := m.as.MapAnonymous(uint64(abi.SizeofDirtyLog + size))
	if err != nil {
		return nil, err
	}
	bitmapAddr := scratch + abi.SizeofDirtyLog
	d := abi.DirtyLog{Slot: 0, DirtyBitmap: uint64(bitmapAddr)}
	if err := m.ioctlIn(t, m.vm, abi.GET_DIRTY_LOG, scratch, &d); err != nil {
		return nil, fmt.Errorf("GET_DIRTY_LOG: %w", err)
	}
	bitmap := make([]byte, size)
	if err := m.as.CopyIn(bitmapAddr, bitmap); err != nil {
		return nil, err
	}
	var dirty []int
	for i, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				dirty = append(dirty, i*8+bit)
			}
		}
	}
	return dirty, nil
}
