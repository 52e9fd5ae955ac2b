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
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Regs is struct kvm_regs.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// SizeofRegs is the size of struct kvm_regs.
const SizeofRegs = 18 * 8

// SizeBytes returns the marshalled size of r.
func (*Regs) SizeBytes() int {
	return SizeofRegs
}

func (r *Regs) fields() [18]*uint64 {
	return [18]*uint64{
		&r.RAX, &r.RBX, &r.RCX, &r.RDX, &r.RSI, &r.RDI, &r.RSP, &r.RBP,
		&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
		&r.RIP, &r.RFLAGS,
	}
}

// MarshalBytes serializes r into dst and returns the remainder of dst.
func (r *Regs) MarshalBytes(dst []byte) []byte {
	for _, f := range r.fields() {
		hostarch.ByteOrder.PutUint64(dst, *f)
		dst = dst[8:]
	}
	return dst
}

// UnmarshalBytes deserializes r from src and returns the remainder of src.
func (r *Regs) UnmarshalBytes(src []byte) []byte {
	for _, f := range r.fields() {
		*f = hostarch.ByteOrder.Uint64(src)
		src = src[8:]
	}
	return src
}

// Segment is struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// SizeofSegment is the size of struct kvm_segment.
const SizeofSegment = 24

// SizeBytes returns the marshalled size of s.
func (*Segment) SizeBytes() int {
	return SizeofSegment
}

// MarshalBytes serializes s into dst and returns the remainder of dst.
func (s *Segment) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[0:], s.Base)
	hostarch.ByteOrder.PutUint32(dst[8:], s.Limit)
	hostarch.ByteOrder.PutUint16(dst[12:], s.Selector)
	dst[14] = s.Type
	dst[15] = s.Present
	dst[16] = s.DPL
	dst[17] = s.DB
	dst[18] = s.S
	dst[19] = s.L
	dst[20] = s.G
	dst[21] = s.AVL
	dst[22] = s.Unusable
	dst[23] = 0
	return dst[SizeofSegment:]
}

// UnmarshalBytes deserializes s from src and returns the remainder of src.
func (s *Segment) UnmarshalBytes(src []byte) []byte {
	s.Base = hostarch.ByteOrder.Uint64(src[0:])
	s.Limit = hostarch.ByteOrder.Uint32(src[8:])
	s.Selector = hostarch.ByteOrder.Uint16(src[12:])
	s.Type = src[14]
	s.Present = src[15]
	s.DPL = src[16]
	s.DB = src[17]
	s.S = src[18]
	s.L = src[19]
	s.G = src[20]
	s.AVL = src[21]
	s.Unusable = src[22]
	return src[SizeofSegment:]
}

// DTable is struct kvm_dtable.
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// SizeofDTable is the size of struct kvm_dtable.
const SizeofDTable = 16

// MarshalBytes serializes d into dst and returns the remainder of dst.
func (d *DTable) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[0:], d.Base)
	hostarch.ByteOrder.PutUint16(dst[8:], d.Limit)
	for i := 10; i < SizeofDTable; i++ {
		dst[i] = 0
	}
	return dst[SizeofDTable:]
}

// UnmarshalBytes deserializes d from src and returns the remainder of src.
func (d *DTable) UnmarshalBytes(src []byte) []byte {
	d.Base = hostarch.ByteOrder.Uint64(src[0:])
	d.Limit = hostarch.ByteOrder.Uint16(src[8:])
	return src[SizeofDTable:]
}

// Sregs is struct kvm_sregs.
type Sregs struct {
	CS  Segment
	DS  Segment
	ES  Segment
	FS  Segment
	GS  Segment
	SS  Segment
	TR  Segment
	LDT Segment

	GDT DTable
	IDT DTable

	CR0      uint64
	CR2      uint64
	CR3      uint64
	CR4      uint64
	CR8      uint64
	EFER     uint64
	APICBase uint64

	InterruptBitmap [(NR_INTERRUPTS + 63) / 64]uint64
}

// SizeofSregs is the size of struct kvm_sregs.
const SizeofSregs = 8*SizeofSegment + 2*SizeofDTable + 7*8 + (NR_INTERRUPTS+63)/64*8

// SizeBytes returns the marshalled size of s.
func (*Sregs) SizeBytes() int {
	return SizeofSregs
}

// Segments returns pointers to the segment registers in ABI order.
func (s *Sregs) Segments() [8]*Segment {
	return [8]*Segment{&s.CS, &s.DS, &s.ES, &s.FS, &s.GS, &s.SS, &s.TR, &s.LDT}
}

func (s *Sregs) controls() [7]*uint64 {
	return [7]*uint64{&s.CR0, &s.CR2, &s.CR3, &s.CR4, &s.CR8, &s.EFER, &s.APICBase}
}

// MarshalBytes serializes s into dst and returns the remainder of dst.
func (s *Sregs) MarshalBytes(dst []byte) []byte {
	for _, seg := range s.Segments() {
		dst = seg.MarshalBytes(dst)
	}
	dst = s.GDT.MarshalBytes(dst)
	dst = s.IDT.MarshalBytes(dst)
	for _, f := range s.controls() {
		hostarch.ByteOrder.PutUint64(dst, *f)
		dst = dst[8:]
	}
	for _, w := range s.InterruptBitmap {
		hostarch.ByteOrder.PutUint64(dst, w)
		dst = dst[8:]
	}
	return dst
}

// UnmarshalBytes deserializes s from src and returns the remainder of src.
func (s *Sregs) UnmarshalBytes(src []byte) []byte {
	for _, seg := range s.Segments() {
		src = seg.UnmarshalBytes(src)
	}
	src = s.GDT.UnmarshalBytes(src)
	src = s.IDT.UnmarshalBytes(src)
	for _, f := range s.controls() {
		*f = hostarch.ByteOrder.Uint64(src)
		src = src[8:]
	}
	for i := range s.InterruptBitmap {
		s.InterruptBitmap[i] = hostarch.ByteOrder.Uint64(src)
		src = src[8:]
	}
	return src
}
