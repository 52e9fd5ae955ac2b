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

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/vmx/pkg/abi/kvm"
	"gvisor.dev/vmx/pkg/vmx"
)

// gprs returns the kvm_regs fields in GuestRegs order. RSP, RIP and RFLAGS
// are handled through the register cache.
func gprs(r *kvm.Regs) [vmx.NumGPRs]*uint64 {
	return [vmx.NumGPRs]*uint64{
		vmx.RAX: &r.RAX, vmx.RBX: &r.RBX, vmx.RCX: &r.RCX, vmx.RDX: &r.RDX,
		vmx.RSI: &r.RSI, vmx.RDI: &r.RDI, vmx.RSP: &r.RSP, vmx.RBP: &r.RBP,
		vmx.R8: &r.R8, vmx.R9: &r.R9, vmx.R10: &r.R10, vmx.R11: &r.R11,
		vmx.R12: &r.R12, vmx.R13: &r.R13, vmx.R14: &r.R14, vmx.R15: &r.R15,
	}
}

// GetRegs returns the general purpose registers.
func (c *VCPU) GetRegs(t Thread) (kvm.Regs, error) {
	put, err := c.get(t)
	if err != nil {
		return kvm.Regs{}, err
	}
	defer put()
	return c.getRegsLocked()
}

func (c *VCPU) getRegsLocked() (kvm.Regs, error) {
	var r kvm.Regs
	for i, p := range gprs(&r) {
		*p = c.regs.GPR[i]
	}
	var err error
	if r.RSP, err = c.cachedReg(cacheRSP); err != nil {
		return kvm.Regs{}, err
	}
	if r.RIP, err = c.cachedReg(cacheRIP); err != nil {
		return kvm.Regs{}, err
	}
	if r.RFLAGS, err = c.cachedReg(cacheRFLAGS); err != nil {
		return kvm.Regs{}, err
	}
	return r, nil
}

// SetRegs sets the general purpose registers. Bit 1 of RFLAGS always reads
// as one.
func (c *VCPU) SetRegs(t Thread, r *kvm.Regs) error {
	put, err := c.get(t)
	if err != nil {
		return err
	}
	defer put()
	for i, p := range gprs(r) {
		c.regs.GPR[i] = *p
	}
	c.setCachedReg(cacheRSP, r.RSP)
	c.setCachedReg(cacheRIP, r.RIP)
	c.setCachedReg(cacheRFLAGS, r.RFLAGS|vmx.RFLAGSReserved1)
	c.faults.reset()
	return nil
}

// GetSregs returns the segment and control registers.
func (c *VCPU) GetSregs(t Thread) (kvm.Sregs, error) {
	put, err := c.get(t)
	if err != nil {
		return kvm.Sregs{}, err
	}
	defer put()

	var s kvm.Sregs
	ops := c.ops()
	for i, seg := range s.Segments() {
		if err := ops.ReadSegment(vmx.SegmentReg(i), seg); err != nil {
			return kvm.Sregs{}, err
		}
	}
	for _, f := range []struct {
		field vmx.Field
		dst   *uint64
	}{
		{vmx.GuestGDTRBase, &s.GDT.Base},
		{vmx.GuestIDTRBase, &s.IDT.Base},
		{vmx.GuestCR0, &s.CR0},
		{vmx.GuestCR3, &s.CR3},
		{vmx.GuestCR4, &s.CR4},
		{vmx.GuestIA32EFER, &s.EFER},
	} {
		v, err := ops.Read(f.field)
		if err != nil {
			return kvm.Sregs{}, err
		}
		*f.dst = v
	}
	gdtLimit, err := ops.Read(vmx.GuestGDTRLimit)
	if err != nil {
		return kvm.Sregs{}, err
	}
	idtLimit, err := ops.Read(vmx.GuestIDTRLimit)
	if err != nil {
		return kvm.Sregs{}, err
	}
	s.GDT.Limit = uint16(gdtLimit)
	s.IDT.Limit = uint16(idtLimit)
	s.CR2 = c.regs.CR2
	s.APICBase = c.apicBase
	return s, nil
}

// SetSregs loads the segment and control registers. The whole state is
// validated first; on EINVAL nothing is written.
func (c *VCPU) SetSregs(t Thread, s *kvm.Sregs) error {
	if err := checkSregs(s); err != nil {
		return err
	}
	put, err := c.get(t)
	if err != nil {
		return err
	}
	defer put()

	ops := c.ops()
	entry, err := ops.Read(vmx.EntryControls)
	if err != nil {
		return err
	}
	if s.EFER&vmx.EFERLMA != 0 {
		entry |= vmx.EntryIA32eModeGuest
	} else {
		entry &^= vmx.EntryIA32eModeGuest
	}

	var ws []vmx.FieldWrite
	for i, seg := range s.Segments() {
		ws = append(ws, vmx.SegmentWrites(vmx.SegmentReg(i), seg)...)
	}
	ws = append(ws,
		vmx.FieldWrite{Field: vmx.GuestGDTRBase, Value: s.GDT.Base},
		vmx.FieldWrite{Field: vmx.GuestGDTRLimit, Value: uint64(s.GDT.Limit)},
		vmx.FieldWrite{Field: vmx.GuestIDTRBase, Value: s.IDT.Base},
		vmx.FieldWrite{Field: vmx.GuestIDTRLimit, Value: uint64(s.IDT.Limit)},
		vmx.FieldWrite{Field: vmx.GuestCR0, Value: s.CR0},
		vmx.FieldWrite{Field: vmx.CR0ReadShadow, Value: s.CR0},
		vmx.FieldWrite{Field: vmx.GuestCR3, Value: s.CR3},
		vmx.FieldWrite{Field: vmx.GuestCR4, Value: s.CR4},
		vmx.FieldWrite{Field: vmx.CR4ReadShadow, Value: s.CR4},
		vmx.FieldWrite{Field: vmx.GuestIA32EFER, Value: s.EFER},
		vmx.FieldWrite{Field: vmx.EntryControls, Value: entry},
	)
	if err := ops.WriteAll(ws); err != nil {
		return err
	}
	c.regs.CR2 = s.CR2
	c.apicBase = s.APICBase
	c.faults.reset()
	return nil
}

// Segment type bits.
const (
	segTypeAccessed = 1 << 0
	segTypeRW       = 1 << 1
	segTypeCode     = 1 << 3
)

// Control register bits that must be zero.
const (
	cr0Reserved  = 0xffffffff_1ffaffc0
	cr4Reserved  = ^uint64(1<<26-1) | 1<<15
	eferReserved = ^uint64(1<<0 | 1<<8 | 1<<10 | 1<<11)
)

// checkSregs applies the VM-entry checks on guest segment and control
// register state that an unrestricted guest must pass.
func checkSregs(s *kvm.Sregs) error {
	for i, seg := range s.Segments() {
		if err := checkSegment(vmx.SegmentReg(i), seg); err != nil {
			return err
		}
	}
	switch {
	case s.CR0&cr0Reserved != 0:
		return fmt.Errorf("cr0 %#x has reserved bits: %w", s.CR0, linuxerr.EINVAL)
	case s.CR0&vmx.CR0PG != 0 && s.CR0&vmx.CR0PE == 0:
		return fmt.Errorf("cr0 %#x: paging without protection: %w", s.CR0, linuxerr.EINVAL)
	case s.CR0&vmx.CR0NW != 0 && s.CR0&vmx.CR0CD == 0:
		return fmt.Errorf("cr0 %#x: NW without CD: %w", s.CR0, linuxerr.EINVAL)
	case s.CR4&cr4Reserved != 0:
		return fmt.Errorf("cr4 %#x has reserved bits: %w", s.CR4, linuxerr.EINVAL)
	case s.EFER&eferReserved != 0:
		return fmt.Errorf("efer %#x has reserved bits: %w", s.EFER, linuxerr.EINVAL)
	}
	lma := s.EFER&vmx.EFERLMA != 0
	if lma != (s.EFER&vmx.EFERLME != 0 && s.CR0&vmx.CR0PG != 0) {
		return fmt.Errorf("efer %#x inconsistent with cr0 %#x: %w", s.EFER, s.CR0, linuxerr.EINVAL)
	}
	if lma && s.CR4&vmx.CR4PAE == 0 {
		return fmt.Errorf("long mode without PAE: %w", linuxerr.EINVAL)
	}
	if lma && s.CS.L != 0 && s.CS.DB != 0 {
		return fmt.Errorf("cs has both L and D/B: %w", linuxerr.EINVAL)
	}
	return nil
}

// checkSegment validates the attributes of one segment register.
func checkSegment(r vmx.SegmentReg, s *kvm.Segment) error {
	usable := s.Present != 0 && s.Unusable == 0
	bad := func(why string) error {
		return fmt.Errorf("%v segment %+v: %s: %w", r, *s, why, linuxerr.EINVAL)
	}
	if !usable {
		switch r {
		case vmx.SegCS:
			return bad("cs must be usable")
		case vmx.SegTR:
			return bad("tr must be usable")
		}
		return nil
	}
	if s.Type > 0xf || s.DPL > 3 {
		return bad("attribute out of range")
	}
	// Granularity must agree with the limit.
	if s.Limit&0xfff != 0xfff && s.G != 0 {
		return bad("byte limit with page granularity")
	}
	if s.Limit > 0xfffff && s.G == 0 {
		return bad("page limit with byte granularity")
	}
	switch r {
	case vmx.SegCS:
		if s.S == 0 {
			return bad("system descriptor")
		}
		if s.Type&segTypeAccessed == 0 || (s.Type&segTypeCode == 0 && s.Type != 3) {
			return bad("not an accessed code segment")
		}
	case vmx.SegSS:
		if s.S == 0 || (s.Type != 3 && s.Type != 7) {
			return bad("not a writable data segment")
		}
	case vmx.SegTR:
		if s.S != 0 || (s.Type != 3 && s.Type != vmx.ARTypeBusyTSS) {
			return bad("not a busy TSS")
		}
	case vmx.SegLDTR:
		if s.S != 0 || s.Type != 2 {
			return bad("not an LDT")
		}
	default:
		if s.S == 0 || s.Type&segTypeAccessed == 0 {
			return bad("not an accessed code or data segment")
		}
		if s.Type&segTypeCode != 0 && s.Type&segTypeRW == 0 {
			return bad("execute-only code segment")
		}
	}
	return nil
}
