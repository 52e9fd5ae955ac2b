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

package vmx

import (
	"gvisor.dev/vmx/pkg/abi/kvm"
)

// Segment access rights bits.
const (
	ARTypeMask    = 0xf
	ARS           = 1 << 4
	ARDPLShift    = 5
	ARDPLMask     = 0x3 << ARDPLShift
	ARPresent     = 1 << 7
	ARAVL         = 1 << 12
	ARL           = 1 << 13
	ARDB          = 1 << 14
	ARG           = 1 << 15
	ARUnusable    = 1 << 16
	ARReserved    = 0xfffe0f00
	ARTypeBusyTSS = 0xb
)

// AccessRights encodes s in the VMCS access rights format. Segments that are
// not present are marked unusable.
func AccessRights(s *kvm.Segment) uint32 {
	ar := uint32(s.Type) & ARTypeMask
	ar |= uint32(s.S&1) << 4
	ar |= uint32(s.DPL&3) << ARDPLShift
	ar |= uint32(s.Present&1) << 7
	ar |= uint32(s.AVL&1) << 12
	ar |= uint32(s.L&1) << 13
	ar |= uint32(s.DB&1) << 14
	ar |= uint32(s.G&1) << 15
	if s.Unusable != 0 || s.Present == 0 {
		ar |= ARUnusable
	}
	return ar
}

// DecodeAccessRights sets the attribute fields of s from ar. Base, limit and
// selector are left untouched.
func DecodeAccessRights(ar uint32, s *kvm.Segment) {
	s.Type = uint8(ar & ARTypeMask)
	s.S = uint8(ar>>4) & 1
	s.DPL = uint8(ar>>ARDPLShift) & 3
	s.Present = uint8(ar>>7) & 1
	s.AVL = uint8(ar>>12) & 1
	s.L = uint8(ar>>13) & 1
	s.DB = uint8(ar>>14) & 1
	s.G = uint8(ar>>15) & 1
	s.Unusable = uint8(ar>>16) & 1
}

// SegmentReg identifies a guest segment register, in kvm_sregs order.
type SegmentReg int

// Segment registers.
const (
	SegCS SegmentReg = iota
	SegDS
	SegES
	SegFS
	SegGS
	SegSS
	SegTR
	SegLDTR

	NumSegmentRegs
)

var segmentRegNames = [NumSegmentRegs]string{"cs", "ds", "es", "fs", "gs", "ss", "tr", "ldt"}

// String implements fmt.Stringer.
func (r SegmentReg) String() string {
	if r >= 0 && r < NumSegmentRegs {
		return segmentRegNames[r]
	}
	return "seg?"
}

// SegmentFields are the guest-state fields of one segment register.
type SegmentFields struct {
	Selector     Field
	Base         Field
	Limit        Field
	AccessRights Field
}

var segmentFields = [NumSegmentRegs]SegmentFields{
	SegCS:   {GuestCSSelector, GuestCSBase, GuestCSLimit, GuestCSAccessRights},
	SegDS:   {GuestDSSelector, GuestDSBase, GuestDSLimit, GuestDSAccessRights},
	SegES:   {GuestESSelector, GuestESBase, GuestESLimit, GuestESAccessRights},
	SegFS:   {GuestFSSelector, GuestFSBase, GuestFSLimit, GuestFSAccessRights},
	SegGS:   {GuestGSSelector, GuestGSBase, GuestGSLimit, GuestGSAccessRights},
	SegSS:   {GuestSSSelector, GuestSSBase, GuestSSLimit, GuestSSAccessRights},
	SegTR:   {GuestTRSelector, GuestTRBase, GuestTRLimit, GuestTRAccessRights},
	SegLDTR: {GuestLDTRSelector, GuestLDTRBase, GuestLDTRLimit, GuestLDTRAccessRights},
}

// Fields returns the guest-state fields of r.
func (r SegmentReg) Fields() SegmentFields {
	return segmentFields[r]
}

// SegmentWrites returns the writes that load s into r.
func SegmentWrites(r SegmentReg, s *kvm.Segment) []FieldWrite {
	f := r.Fields()
	return []FieldWrite{
		{f.Selector, uint64(s.Selector)},
		{f.Base, s.Base},
		{f.Limit, uint64(s.Limit)},
		{f.AccessRights, uint64(AccessRights(s))},
	}
}

// ReadSegment reads r from the current VMCS.
func (o Ops) ReadSegment(r SegmentReg, s *kvm.Segment) error {
	f := r.Fields()
	sel, err := o.Read(f.Selector)
	if err != nil {
		return err
	}
	base, err := o.Read(f.Base)
	if err != nil {
		return err
	}
	limit, err := o.Read(f.Limit)
	if err != nil {
		return err
	}
	ar, err := o.Read(f.AccessRights)
	if err != nil {
		return err
	}
	s.Selector = uint16(sel)
	s.Base = base
	s.Limit = uint32(limit)
	DecodeAccessRights(uint32(ar), s)
	return nil
}
