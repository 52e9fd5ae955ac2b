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
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/vmx/pkg/abi/kvm"
	"gvisor.dev/vmx/pkg/hostmm"
	"gvisor.dev/vmx/pkg/vmx/softvmx"
)

// testThread is a caller pinned to one logical CPU.
type testThread struct {
	tid int32
	cpu int

	mu    sync.Mutex
	files []File
}

func (t *testThread) ThreadID() int32 {
	return t.tid
}

func (t *testThread) CPU() int {
	return t.cpu
}

func (t *testThread) NewFD(f File) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = append(t.files, f)
	return int32(len(t.files) + 2), nil
}

// file returns the file installed as fd.
func (t *testThread) file(fd uint64) File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[fd-3]
}

// testHost is a registry on a two-CPU software platform.
type testHost struct {
	pm *hostmm.PhysicalMemory
	as *hostmm.AddressSpace
	p  *softvmx.Platform
	r  *Registry
}

func testConfig() Config {
	c := DefaultConfig()
	c.MaxVCPUs = 4
	c.MaxMemorySlots = 8
	c.MaxFaultRetries = 3
	return c
}

func newTestHost(t *testing.T, cfg Config, opts ...softvmx.Option) *testHost {
	t.Helper()
	pm := hostmm.NewPhysicalMemory()
	as := hostmm.NewAddressSpace(pm)
	p := softvmx.New(2, pm, opts...)
	r, err := NewRegistry(p, as, cfg)
	if err != nil {
		t.Fatalf("NewRegistry = %v", err)
	}
	return &testHost{pm: pm, as: as, p: p, r: r}
}

// mapMemory returns the host address of n fresh anonymous pages.
func (h *testHost) mapMemory(t *testing.T, n int) hostarch.Addr {
	t.Helper()
	hva, err := h.as.MapAnonymous(uint64(n) * hostarch.PageSize)
	if err != nil {
		t.Fatalf("MapAnonymous = %v", err)
	}
	return hva
}

// guestPages is the size of the memory slot set up by newGuest.
const guestPages = 4

// guest is a VM with one vCPU whose code starts at guest-physical zero.
type guest struct {
	h   *testHost
	vm  *VM
	c   *VCPU
	t   *testThread
	hva hostarch.Addr
}

// newGuest loads prog at guest-physical zero of slot 0 and points the vCPU
// at it in flat mode.
func newGuest(t *testing.T, h *testHost, prog []byte) *guest {
	t.Helper()
	vm, err := h.r.CreateVM(kvm.X86DefaultVM)
	if err != nil {
		t.Fatalf("CreateVM = %v", err)
	}
	th := &testThread{tid: 1, cpu: 0}
	c, err := vm.CreateVCPU(th, 0)
	if err != nil {
		t.Fatalf("CreateVCPU = %v", err)
	}
	hva := h.mapMemory(t, guestPages)
	if err := h.as.CopyOut(hva, prog); err != nil {
		t.Fatalf("CopyOut = %v", err)
	}
	if err := vm.SetMemoryRegion(&kvm.UserspaceMemoryRegion{
		Slot:          0,
		MemorySize:    guestPages * hostarch.PageSize,
		UserspaceAddr: uint64(hva),
	}); err != nil {
		t.Fatalf("SetMemoryRegion = %v", err)
	}

	sregs, err := c.GetSregs(th)
	if err != nil {
		t.Fatalf("GetSregs = %v", err)
	}
	sregs.CS.Base, sregs.CS.Selector = 0, 0
	if err := c.SetSregs(th, &sregs); err != nil {
		t.Fatalf("SetSregs = %v", err)
	}
	if err := c.SetRegs(th, &kvm.Regs{RFLAGS: 2}); err != nil {
		t.Fatalf("SetRegs = %v", err)
	}
	return &guest{h: h, vm: vm, c: c, t: th, hva: hva}
}

// run runs the vCPU and decodes the run page.
func (g *guest) run(t *testing.T) kvm.Run {
	t.Helper()
	if err := g.c.Run(g.t); err != nil {
		t.Fatalf("Run = %v", err)
	}
	return decodeRun(g.c.RunPage())
}

func (g *guest) regs(t *testing.T) kvm.Regs {
	t.Helper()
	r, err := g.c.GetRegs(g.t)
	if err != nil {
		t.Fatalf("GetRegs = %v", err)
	}
	return r
}

// decodeRun reads the exit fields of a run page.
func decodeRun(page []byte) kvm.Run {
	var r kvm.Run
	r.UnmarshalExit(page)
	return r
}
