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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/vmx/pkg/abi/kvm"
	"gvisor.dev/vmx/pkg/vmx"
)

func newTestVCPU(t *testing.T, h *testHost) (*VCPU, *testThread) {
	t.Helper()
	vm := newTestVM(t, h)
	th := &testThread{tid: 1, cpu: 0}
	c, err := vm.CreateVCPU(th, 0)
	if err != nil {
		t.Fatalf("CreateVCPU = %v", err)
	}
	return c, th
}

func TestResetState(t *testing.T) {
	h := newTestHost(t, testConfig())
	c, th := newTestVCPU(t, h)

	regs, err := c.GetRegs(th)
	if err != nil {
		t.Fatalf("GetRegs = %v", err)
	}
	if diff := cmp.Diff(kvm.Regs{RDX: resetRDX, RIP: vmx.ResetRIP, RFLAGS: vmx.ResetRFLAGS}, regs); diff != "" {
		t.Errorf("reset regs mismatch (-want +got):\n%s", diff)
	}

	sregs, err := c.GetSregs(th)
	if err != nil {
		t.Fatalf("GetSregs = %v", err)
	}
	wantCS := kvm.Segment{Base: vmx.ResetCSBase, Limit: 0xffff, Selector: vmx.ResetCSSelector, Type: 0xb, Present: 1, S: 1}
	if diff := cmp.Diff(wantCS, sregs.CS); diff != "" {
		t.Errorf("reset cs mismatch (-want +got):\n%s", diff)
	}
	if sregs.CR0 != vmx.ResetCR0 || sregs.CR4 != 0 || sregs.EFER != 0 {
		t.Errorf("reset cr0 %#x cr4 %#x efer %#x, want %#x 0 0", sregs.CR0, sregs.CR4, sregs.EFER, uint64(vmx.ResetCR0))
	}
	if sregs.APICBase != defaultAPICBase {
		t.Errorf("reset apic base %#x, want %#x", sregs.APICBase, defaultAPICBase)
	}
	if err := checkSregs(&sregs); err != nil {
		t.Errorf("reset state fails checks: %v", err)
	}
}

func TestRegsRoundTrip(t *testing.T) {
	h := newTestHost(t, testConfig())
	c, th := newTestVCPU(t, h)

	want := kvm.Regs{
		RAX: 1, RBX: 2, RCX: 3, RDX: 4, RSI: 5, RDI: 6, RSP: 0x7000, RBP: 8,
		R8:  9, R9: 10, R10: 11, R11: 12, R12: 13, R13: 14, R14: 15, R15: 16,
		RIP: 0x1234, RFLAGS: 0x200,
	}
	if err := c.SetRegs(th, &want); err != nil {
		t.Fatalf("SetRegs = %v", err)
	}
	got, err := c.GetRegs(th)
	if err != nil {
		t.Fatalf("GetRegs = %v", err)
	}
	want.RFLAGS |= vmx.RFLAGSReserved1
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("regs mismatch (-want +got):\n%s", diff)
	}

	// Cached registers reach the VMCS when the operation ends.
	put, err := c.get(th)
	if err != nil {
		t.Fatalf("get = %v", err)
	}
	rip, err := c.ops().Read(vmx.GuestRIP)
	put()
	if err != nil || rip != 0x1234 {
		t.Errorf("GuestRIP = %#x, %v, want 0x1234", rip, err)
	}
}

func TestSregsRoundTrip(t *testing.T) {
	h := newTestHost(t, testConfig())
	c, th := newTestVCPU(t, h)

	s, err := c.GetSregs(th)
	if err != nil {
		t.Fatalf("GetSregs = %v", err)
	}
	// Enter long mode.
	s.CR0 = vmx.CR0PE | vmx.CR0PG | vmx.CR0ET
	s.CR3 = 0x5000
	s.CR4 = vmx.CR4PAE
	s.EFER = vmx.EFERLME | vmx.EFERLMA
	s.CS = kvm.Segment{Limit: 0xffffffff, Selector: 8, Type: 0xb, Present: 1, S: 1, L: 1, G: 1}
	s.GDT = kvm.DTable{Base: 0x1000, Limit: 0x17}
	s.CR2 = 0xdead000
	s.APICBase = 0xfee00000
	if err := c.SetSregs(th, &s); err != nil {
		t.Fatalf("SetSregs = %v", err)
	}
	got, err := c.GetSregs(th)
	if err != nil {
		t.Fatalf("GetSregs = %v", err)
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("sregs mismatch (-want +got):\n%s", diff)
	}

	put, err := c.get(th)
	if err != nil {
		t.Fatalf("get = %v", err)
	}
	entry, err := c.ops().Read(vmx.EntryControls)
	put()
	if err != nil || entry&vmx.EntryIA32eModeGuest == 0 {
		t.Errorf("entry controls = %#x, %v, want IA-32e mode guest", entry, err)
	}
}

func TestSetSregsInvalid(t *testing.T) {
	for _, tc := range []struct {
		name   string
		change func(s *kvm.Sregs)
	}{
		{"cr0 reserved", func(s *kvm.Sregs) { s.CR0 |= 1 << 63 }},
		{"paging without protection", func(s *kvm.Sregs) { s.CR0 = vmx.CR0PG }},
		{"nw without cd", func(s *kvm.Sregs) { s.CR0 = vmx.CR0NW }},
		{"cr4 reserved", func(s *kvm.Sregs) { s.CR4 = 1 << 40 }},
		{"efer reserved", func(s *kvm.Sregs) { s.EFER = 1 << 20 }},
		{"lma without paging", func(s *kvm.Sregs) { s.EFER = vmx.EFERLME | vmx.EFERLMA }},
		{"unusable cs", func(s *kvm.Sregs) { s.CS.Unusable = 1 }},
		{"unusable tr", func(s *kvm.Sregs) { s.TR.Present = 0 }},
		{"data cs", func(s *kvm.Sregs) { s.CS.Type = 0x1 }},
		{"code ss", func(s *kvm.Sregs) { s.SS.Type = 0xb }},
		{"system ds", func(s *kvm.Sregs) { s.DS.S = 0 }},
		{"execute-only es", func(s *kvm.Sregs) { s.ES.Type = 0x9 }},
		{"ldt type", func(s *kvm.Sregs) { s.LDT.Type = 0x3 }},
		{"page granular byte limit", func(s *kvm.Sregs) { s.FS.Limit, s.FS.G = 0x1000, 1 }},
		{"byte granular page limit", func(s *kvm.Sregs) { s.GS.Limit = 0x100000 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHost(t, testConfig())
			c, th := newTestVCPU(t, h)
			before, err := c.GetSregs(th)
			if err != nil {
				t.Fatalf("GetSregs = %v", err)
			}
			s := before
			tc.change(&s)
			if err := c.SetSregs(th, &s); !errors.Is(err, linuxerr.EINVAL) {
				t.Fatalf("SetSregs = %v, want EINVAL", err)
			}
			after, err := c.GetSregs(th)
			if err != nil {
				t.Fatalf("GetSregs = %v", err)
			}
			if diff := cmp.Diff(before, after); diff != "" {
				t.Errorf("rejected SetSregs changed state (-before +after):\n%s", diff)
			}
		})
	}
}
