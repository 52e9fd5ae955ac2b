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
)

func TestRequestCodes(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  uint32
		want uint32
	}{
		{"CREATE_VM", IO(0x01), CREATE_VM},
		{"GET_VCPU_MMAP_SIZE", IO(0x04), GET_VCPU_MMAP_SIZE},
		{"CREATE_VCPU", IO(0x41), CREATE_VCPU},
		{"GET_DIRTY_LOG", IOW(0x42, SizeofDirtyLog), GET_DIRTY_LOG},
		{"SET_USER_MEMORY_REGION", IOW(0x46, SizeofUserspaceMemoryRegion), SET_USER_MEMORY_REGION},
		{"RUN", IO(0x80), RUN},
		{"GET_REGS", IOR(0x81, SizeofRegs), GET_REGS},
		{"SET_REGS", IOW(0x82, SizeofRegs), SET_REGS},
		{"GET_SREGS", IOR(0x83, SizeofSregs), GET_SREGS},
		{"SET_SREGS", IOW(0x84, SizeofSregs), SET_SREGS},
	} {
		if tc.got != tc.want {
			t.Errorf("%s: computed %#x, want %#x", tc.name, tc.got, tc.want)
		}
	}
}

func TestSizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  int
		want int
	}{
		{"kvm_regs", (*Regs)(nil).SizeBytes(), 0x90},
		{"kvm_sregs", (*Sregs)(nil).SizeBytes(), 0x138},
		{"kvm_segment", (*Segment)(nil).SizeBytes(), 24},
		{"kvm_userspace_memory_region", (*UserspaceMemoryRegion)(nil).SizeBytes(), 0x20},
		{"kvm_dirty_log", (*DirtyLog)(nil).SizeBytes(), 0x10},
	} {
		if tc.got != tc.want {
			t.Errorf("sizeof(%s) = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
}

func TestSregsLayout(t *testing.T) {
	s := Sregs{
		CS:   Segment{Base: 0x1000, Limit: 0xffff, Selector: 0x8, Type: 0xb, Present: 1, S: 1},
		TR:   Segment{Limit: 0x67, Type: 0xb, Present: 1},
		GDT:  DTable{Base: 0x5000, Limit: 0x27},
		CR0:  0x60000011,
		EFER: 0x500,
	}
	buf := make([]byte, SizeofSregs)
	if rest := s.MarshalBytes(buf); len(rest) != 0 {
		t.Fatalf("MarshalBytes left %d bytes", len(rest))
	}
	if got := hostarch.ByteOrder.Uint64(buf[0:]); got != 0x1000 {
		t.Errorf("cs.base at offset 0 = %#x, want 0x1000", got)
	}
	if got := buf[14]; got != 0xb {
		t.Errorf("cs.type at offset 14 = %#x, want 0xb", got)
	}
	if got := hostarch.ByteOrder.Uint64(buf[8*SizeofSegment:]); got != 0x5000 {
		t.Errorf("gdt.base = %#x, want 0x5000", got)
	}
	if got := hostarch.ByteOrder.Uint64(buf[8*SizeofSegment+2*SizeofDTable:]); got != 0x60000011 {
		t.Errorf("cr0 = %#x, want 0x60000011", got)
	}

	var out Sregs
	out.UnmarshalBytes(buf)
	if out != s {
		t.Errorf("UnmarshalBytes = %+v, want %+v", out, s)
	}
}

func TestRunIOLayout(t *testing.T) {
	r := Run{
		ExitReason: EXIT_IO,
		IO: RunIO{
			Direction:  EXIT_IO_OUT,
			Size:       1,
			Port:       0x3f8,
			Count:      1,
			DataOffset: RunIODataOffset,
		},
		IOData: [8]byte{'A'},
	}
	page := make([]byte, hostarch.PageSize)
	r.MarshalBytes(page)
	if got := hostarch.ByteOrder.Uint32(page[8:]); got != EXIT_IO {
		t.Errorf("exit_reason = %d, want %d", got, EXIT_IO)
	}
	if got := hostarch.ByteOrder.Uint16(page[34:]); got != 0x3f8 {
		t.Errorf("io.port = %#x, want 0x3f8", got)
	}
	if got := hostarch.ByteOrder.Uint64(page[40:]); got != RunIODataOffset {
		t.Errorf("io.data_offset = %d, want %d", got, RunIODataOffset)
	}
	if got := page[RunIODataOffset]; got != 'A' {
		t.Errorf("io data = %q, want 'A'", got)
	}

	// Userspace answers an IN by writing the data page.
	page[RunIODataOffset] = 'B'
	page[1] = 1
	r.UnmarshalInput(page)
	if r.IOData[0] != 'B' || r.ImmediateExit != 1 {
		t.Errorf("UnmarshalInput: data %q immediate_exit %d, want 'B' and 1", r.IOData[0], r.ImmediateExit)
	}

	var exit Run
	exit.UnmarshalExit(page)
	if exit.ExitReason != EXIT_IO || exit.IO != r.IO || exit.IOData[0] != 'B' {
		t.Errorf("UnmarshalExit = reason %d io %+v data %q, want %+v", exit.ExitReason, exit.IO, exit.IOData[0], r.IO)
	}
}
