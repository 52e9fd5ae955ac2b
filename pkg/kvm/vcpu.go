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

package kvm

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/vmx/pkg/abi/kvm"
	"gvisor.dev/vmx/pkg/ept"
	"gvisor.dev/vmx/pkg/vmx"
)

// Thread is the caller of a vCPU operation.
type Thread interface {
	// ThreadID identifies the calling thread.
	ThreadID() int32

	// CPU returns the logical CPU the thread is running on.
	CPU() int

	// NewFD installs f in the caller's file table.
	NewFD(f File) (int32, error)
}

// exceptionBitmap selects the exceptions that exit to userspace.
const exceptionBitmap = 1<<vmx.VectorDB | 1<<vmx.VectorBP | 1<<vmx.VectorUD | 1<<vmx.VectorAC | 1<<vmx.VectorMC

// defaultAPICBase is the reset value of IA32_APIC_BASE for the BSP.
const defaultAPICBase = 0xfee00900

// resetRDX is the processor signature left in RDX at reset.
const resetRDX = 0x600

// Cached guest registers that live in the VMCS.
const (
	cacheRSP = iota
	cacheRIP
	cacheRFLAGS
	numCachedRegs
)

var cachedRegFields = [numCachedRegs]vmx.Field{vmx.GuestRSP, vmx.GuestRIP, vmx.GuestRFLAGS}

// regCache holds guest registers read from the VMCS since the last exit.
type regCache struct {
	vals  [numCachedRegs]uint64
	avail uint8
	dirty uint8
}

// pendingIO is an I/O exit awaiting completion by the next RUN.
type pendingIO struct {
	active bool
	in     bool
	size   int
	length uint64
}

// faultTracker counts EPT violations that recur with nothing changed: the
// same page, guest RIP and error code, with no leaf installed or widened in
// between. Any other exit, a resolved fault or a register write from
// userspace starts the count over.
type faultTracker struct {
	page    uint64
	rip     uint64
	code    ept.PageFaultErr
	retries int
	valid   bool
}

// next returns the retry count of a fault at gpa taken at rip.
func (f *faultTracker) next(gpa, rip uint64, code ept.PageFaultErr) int {
	page := uint64(hostarch.Addr(gpa).RoundDown())
	if f.valid && f.page == page && f.rip == rip && f.code == code {
		f.retries++
	} else {
		*f = faultTracker{page: page, rip: rip, code: code, valid: true}
	}
	return f.retries
}

func (f *faultTracker) reset() {
	*f = faultTracker{}
}

// VCPU is one virtual CPU and its VMCS.
//
// At most one thread operates a VCPU at a time. The VMCS is active on the
// logical CPU of the last thread that did; a different thread takes it over
// by clearing it there and loading it on its own CPU.
type VCPU struct {
	vm   *VM
	id   int
	vmcs vmx.VMCS

	// virtualNMIs is set if the VMCS enables virtual NMIs.
	virtualNMIs bool

	// stats are updated only by the owner but may be read at any time.
	stats ExitStats

	mu sync.Mutex

	// owner is the thread that last operated the vCPU.
	owner int32

	// cpu is the logical CPU on which the VMCS is active, or -1.
	cpu int

	// launched is set once VMLAUNCH succeeded on the current CPU.
	launched bool

	// released is set when the VMCS has been freed.
	released bool

	regs     vmx.GuestRegs
	cache    regCache
	apicBase uint64

	// exitQual is the qualification of the last EPT violation.
	exitQual ept.ViolationQual

	// run is the state shared with userspace through runPage.
	run     kvm.Run
	runPage []byte

	io     pendingIO
	faults faultTracker

	// flushedGen is the VM flush generation last applied, or
	// flushNeeded.
	flushedGen uint64
}

// flushNeeded forces an INVEPT before the next entry.
const flushNeeded = ^uint64(0)

func newVCPU(vm *VM, id int, v vmx.VMCS) *VCPU {
	c := &VCPU{
		vm:         vm,
		id:         id,
		vmcs:       v,
		cpu:        -1,
		apicBase:   defaultAPICBase,
		runPage:    make([]byte, hostarch.PageSize),
		flushedGen: flushNeeded,
	}
	c.regs.GPR[vmx.RDX] = resetRDX
	return c
}

// ID returns the vCPU index.
func (c *VCPU) ID() int {
	return c.id
}

// VM returns the VM c belongs to.
func (c *VCPU) VM() *VM {
	return c.vm
}

// Stats returns the exit counters of c.
func (c *VCPU) Stats() *ExitStats {
	return &c.stats
}

// RunPage returns the page userspace maps from the vCPU file.
func (c *VCPU) RunPage() []byte {
	return c.runPage
}

// Owner returns the owning thread and the logical CPU holding the VMCS.
func (c *VCPU) Owner() (tid int32, cpu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner, c.cpu
}

// LastExitQualification returns the qualification of the last EPT
// violation.
func (c *VCPU) LastExitQualification() ept.ViolationQual {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitQual
}

// hw returns the CPU the VMCS is active on.
//
// Preconditions: c.mu is locked; c.cpu != -1.
func (c *VCPU) hw() vmx.Hardware {
	return c.vm.r.host.CPU(c.cpu)
}

// ops returns the field accessor of the VMCS.
//
// Preconditions: c.mu is locked; c.cpu != -1.
func (c *VCPU) ops() vmx.Ops {
	return vmx.NewOps(c.hw())
}

// setup writes the execution controls and the architectural reset state.
//
// Preconditions: the VMCS is current on c.cpu.
func (c *VCPU) setup(vpid uint16) error {
	f := c.vm.r.host.Features()
	pin := uint64(vmx.PinExternalInterruptExiting | vmx.PinNMIExiting)
	if f.VirtualNMIs {
		pin |= vmx.PinVirtualNMIs
		c.virtualNMIs = true
	}
	proc := uint64(vmx.ProcHLTExiting | vmx.ProcUnconditionalIOExit | vmx.ProcActivateSecondaryCtls)
	proc2 := uint64(vmx.Proc2EnableEPT)
	if f.VPID {
		proc2 |= vmx.Proc2EnableVPID
	}
	if f.UnrestrictedGuest {
		proc2 |= vmx.Proc2UnrestrictedGuest
	}

	ws := []vmx.FieldWrite{
		{Field: vmx.PinBasedControls, Value: pin},
		{Field: vmx.ProcBasedControls, Value: proc},
		{Field: vmx.SecondaryProcControls, Value: proc2},
		{Field: vmx.ExitControls, Value: vmx.ExitHostAddrSpaceSize | vmx.ExitAckInterrupt | vmx.ExitSaveEFER | vmx.ExitLoadEFER},
		{Field: vmx.EntryControls, Value: vmx.EntryLoadEFER},
		{Field: vmx.ExceptionBitmap, Value: exceptionBitmap},
		{Field: vmx.EPTPointer, Value: c.vm.eptp()},
		{Field: vmx.VMCSLinkPointer, Value: ^uint64(0)},
		{Field: vmx.GuestActivityState, Value: vmx.ActivityActive},
		{Field: vmx.GuestInterruptibility, Value: 0},
		{Field: vmx.GuestRIP, Value: vmx.ResetRIP},
		{Field: vmx.GuestRFLAGS, Value: vmx.ResetRFLAGS},
		{Field: vmx.GuestRSP, Value: 0},
		{Field: vmx.GuestCR0, Value: vmx.ResetCR0},
		{Field: vmx.CR0ReadShadow, Value: vmx.ResetCR0},
		{Field: vmx.GuestCR3, Value: 0},
		{Field: vmx.GuestCR4, Value: 0},
		{Field: vmx.GuestIA32EFER, Value: 0},
		{Field: vmx.GuestGDTRBase, Value: 0},
		{Field: vmx.GuestGDTRLimit, Value: vmx.ResetSegLimit},
		{Field: vmx.GuestIDTRBase, Value: 0},
		{Field: vmx.GuestIDTRLimit, Value: vmx.ResetSegLimit},
	}
	if f.VPID {
		ws = append(ws, vmx.FieldWrite{Field: vmx.VirtualProcessorID, Value: uint64(vpid)})
	}
	for r := vmx.SegmentReg(0); r < vmx.NumSegmentRegs; r++ {
		seg := resetSegment(r)
		ws = append(ws, vmx.SegmentWrites(r, &seg)...)
	}
	if err := c.ops().WriteAll(ws); err != nil {
		return fmt.Errorf("vCPU %d: writing VMCS: %w", c.id, err)
	}
	return nil
}

// resetSegment returns the state of r after INIT.
func resetSegment(r vmx.SegmentReg) kvm.Segment {
	s := kvm.Segment{Limit: vmx.ResetSegLimit, Present: 1}
	switch r {
	case vmx.SegCS:
		s.Selector = vmx.ResetCSSelector
		s.Base = vmx.ResetCSBase
		s.Type, s.S = 0xb, 1
	case vmx.SegTR:
		s.Type = vmx.ARTypeBusyTSS
	case vmx.SegLDTR:
		s.Type = 0x2
	default:
		s.Type, s.S = 0x3, 1
	}
	return s
}

// get makes t the owner of c and locks it for an operation. The returned
// function ends the operation.
func (c *VCPU) get(t Thread) (func(), error) {
	c.mu.Lock()
	cu := cleanup.Make(c.mu.Unlock)
	defer cu.Clean()
	if c.released {
		return nil, linuxerr.EBADF
	}

	cpu := t.CPU()
	if err := c.vm.r.lockCPU(cpu); err != nil {
		return nil, fmt.Errorf("%v: %w", err, linuxerr.EINVAL)
	}
	cu.Add(func() { c.vm.r.unlockCPU(cpu) })

	if err := c.load(t); err != nil {
		return nil, err
	}
	done := cu.Release()
	return func() {
		if err := c.flushRegs(); err != nil {
			log.Warningf("vCPU %d: flushing registers: %v", c.id, err)
		}
		done()
	}, nil
}

// load makes the VMCS current on the CPU of t. A change of thread or CPU
// clears the VMCS on its old CPU first, so the next entry launches.
//
// Preconditions: c.mu is locked; t.CPU() is locked.
func (c *VCPU) load(t Thread) error {
	cpu, tid := t.CPU(), t.ThreadID()
	if c.cpu == cpu && c.owner == tid {
		// Another vCPU may have been made current here since.
		return c.hw().VMPtrLd(c.vmcs)
	}

	if c.cpu != -1 {
		if err := c.clearRemote(cpu); err != nil {
			return err
		}
		c.launched = false
		log.Debugf("vCPU %d: handoff from thread %d on CPU %d to thread %d on CPU %d", c.id, c.owner, c.cpu, tid, cpu)
	}
	c.cpu = -1
	if err := c.vm.r.host.CPU(cpu).VMPtrLd(c.vmcs); err != nil {
		return fmt.Errorf("vCPU %d: loading on CPU %d: %w", c.id, cpu, err)
	}
	c.cpu, c.owner = cpu, tid
	c.flushedGen = flushNeeded
	c.cache = regCache{}
	return nil
}

// clearRemote issues VMCLEAR on the CPU the VMCS was last loaded on while
// holding that CPU's lock. cpu is the CPU the caller holds; when the two
// differ both are reacquired in ascending order.
//
// Preconditions: c.mu and the lock of cpu are held; c.cpu != -1.
func (c *VCPU) clearRemote(cpu int) error {
	r, old := c.vm.r, c.cpu
	if old != cpu {
		r.unlockCPU(cpu)
		lo, hi := min(old, cpu), max(old, cpu)
		r.cpus[lo].Lock()
		r.cpus[hi].Lock()
		defer r.unlockCPU(old)
	}
	if err := c.hw().VMClear(c.vmcs); err != nil {
		return fmt.Errorf("vCPU %d: clearing on CPU %d: %w", c.id, old, err)
	}
	return nil
}

// release clears and frees the VMCS.
func (c *VCPU) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	if c.cpu != -1 {
		c.vm.r.cpus[c.cpu].Lock()
		if err := c.hw().VMClear(c.vmcs); err != nil {
			log.Warningf("vCPU %d: VMCLEAR on CPU %d: %v", c.id, c.cpu, err)
		}
		c.vm.r.unlockCPU(c.cpu)
		c.cpu = -1
	}
	c.vm.r.host.FreeVMCS(c.vmcs)
	log.Debugf("vCPU %d of VM %d released", c.id, c.vm.id)
}

// cachedReg returns cached register i, reading it from the VMCS on first
// use after an exit.
//
// Preconditions: c.mu is locked; the VMCS is current.
func (c *VCPU) cachedReg(i int) (uint64, error) {
	if c.cache.avail&(1<<i) != 0 {
		return c.cache.vals[i], nil
	}
	v, err := c.ops().Read(cachedRegFields[i])
	if err != nil {
		return 0, err
	}
	c.cache.vals[i] = v
	c.cache.avail |= 1 << i
	return v, nil
}

// setCachedReg sets cached register i. It is written to the VMCS by
// flushRegs.
//
// Preconditions: c.mu is locked.
func (c *VCPU) setCachedReg(i int, v uint64) {
	c.cache.vals[i] = v
	c.cache.avail |= 1 << i
	c.cache.dirty |= 1 << i
}

// flushRegs writes dirty cached registers to the VMCS.
//
// Preconditions: c.mu is locked; the VMCS is current.
func (c *VCPU) flushRegs() error {
	for i := 0; i < numCachedRegs; i++ {
		if c.cache.dirty&(1<<i) == 0 {
			continue
		}
		if err := c.ops().Write(cachedRegFields[i], c.cache.vals[i]); err != nil {
			return err
		}
		c.cache.dirty &^= 1 << i
	}
	return nil
}
