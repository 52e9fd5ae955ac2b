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

// Offsets within struct kvm_run.
const (
	runRequestInterruptWindow = 0
	runImmediateExit          = 1
	runExitReason             = 8
	runReadyForInjection      = 12
	runIFFlag                 = 13
	runFlags                  = 14
	runCR8                    = 16
	runAPICBase               = 24
	runUnion                  = 32
	runUnionSize              = 256
)

// RunIODataOffset is where I/O exit data lives within the run page. The run
// page is a single host page, so the data follows the exit union directly
// instead of occupying a second page.
const RunIODataOffset = 1024

// RunIO is the io member of the kvm_run exit union.
type RunIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// RunMMIO is the mmio member of the kvm_run exit union.
type RunMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// RunException is the ex member of the kvm_run exit union.
type RunException struct {
	Exception uint32
	ErrorCode uint32
}

// RunFailEntry is the fail_entry member of the kvm_run exit union.
type RunFailEntry struct {
	HardwareEntryFailureReason uint64
	CPU                        uint32
}

// RunInternal is the internal member of the kvm_run exit union.
type RunInternal struct {
	Suberror uint32
	NData    uint32
	Data     [16]uint64
}

// Run is the subset of struct kvm_run shared between the kernel and the VMM.
// Only the union member selected by ExitReason is meaningful.
type Run struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IFFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	APICBase                   uint64

	HardwareExitReason uint64
	FailEntry          RunFailEntry
	Ex                 RunException
	IO                 RunIO
	MMIO               RunMMIO
	Internal           RunInternal

	// IOData holds the bytes at IO.DataOffset.
	IOData [8]byte
}

// MarshalBytes serializes r into a run page. dst must be at least
// RunIODataOffset+len(IOData) bytes.
func (r *Run) MarshalBytes(dst []byte) {
	for i := 0; i < runUnion+runUnionSize; i++ {
		dst[i] = 0
	}
	dst[runRequestInterruptWindow] = r.RequestInterruptWindow
	dst[runImmediateExit] = r.ImmediateExit
	hostarch.ByteOrder.PutUint32(dst[runExitReason:], r.ExitReason)
	dst[runReadyForInjection] = r.ReadyForInterruptInjection
	dst[runIFFlag] = r.IFFlag
	hostarch.ByteOrder.PutUint16(dst[runFlags:], r.Flags)
	hostarch.ByteOrder.PutUint64(dst[runCR8:], r.CR8)
	hostarch.ByteOrder.PutUint64(dst[runAPICBase:], r.APICBase)

	u := dst[runUnion : runUnion+runUnionSize]
	switch r.ExitReason {
	case EXIT_UNKNOWN:
		hostarch.ByteOrder.PutUint64(u[0:], r.HardwareExitReason)
	case EXIT_FAIL_ENTRY:
		hostarch.ByteOrder.PutUint64(u[0:], r.FailEntry.HardwareEntryFailureReason)
		hostarch.ByteOrder.PutUint32(u[8:], r.FailEntry.CPU)
	case EXIT_EXCEPTION:
		hostarch.ByteOrder.PutUint32(u[0:], r.Ex.Exception)
		hostarch.ByteOrder.PutUint32(u[4:], r.Ex.ErrorCode)
	case EXIT_IO:
		u[0] = r.IO.Direction
		u[1] = r.IO.Size
		hostarch.ByteOrder.PutUint16(u[2:], r.IO.Port)
		hostarch.ByteOrder.PutUint32(u[4:], r.IO.Count)
		hostarch.ByteOrder.PutUint64(u[8:], r.IO.DataOffset)
	case EXIT_MMIO:
		hostarch.ByteOrder.PutUint64(u[0:], r.MMIO.PhysAddr)
		copy(u[8:16], r.MMIO.Data[:])
		hostarch.ByteOrder.PutUint32(u[16:], r.MMIO.Len)
		u[20] = r.MMIO.IsWrite
	case EXIT_INTERNAL_ERROR:
		hostarch.ByteOrder.PutUint32(u[0:], r.Internal.Suberror)
		hostarch.ByteOrder.PutUint32(u[4:], r.Internal.NData)
		for i, d := range r.Internal.Data {
			hostarch.ByteOrder.PutUint64(u[8+8*i:], d)
		}
	}
	copy(dst[RunIODataOffset:], r.IOData[:])
}

// UnmarshalInput reads the fields of a run page that userspace may write
// between RUN calls: immediate_exit, request_interrupt_window, I/O data and
// MMIO data.
func (r *Run) UnmarshalInput(src []byte) {
	r.RequestInterruptWindow = src[runRequestInterruptWindow]
	r.ImmediateExit = src[runImmediateExit]
	copy(r.IOData[:], src[RunIODataOffset:])
	if r.ExitReason == EXIT_MMIO {
		copy(r.MMIO.Data[:], src[runUnion+8:runUnion+16])
	}
}

// UnmarshalExit reads what the kernel wrote to a run page on return from RUN:
// the exit reason, the union member it selects and the I/O data.
func (r *Run) UnmarshalExit(src []byte) {
	r.ExitReason = hostarch.ByteOrder.Uint32(src[runExitReason:])
	r.ReadyForInterruptInjection = src[runReadyForInjection]
	r.IFFlag = src[runIFFlag]
	r.Flags = hostarch.ByteOrder.Uint16(src[runFlags:])
	r.CR8 = hostarch.ByteOrder.Uint64(src[runCR8:])
	r.APICBase = hostarch.ByteOrder.Uint64(src[runAPICBase:])

	u := src[runUnion : runUnion+runUnionSize]
	switch r.ExitReason {
	case EXIT_UNKNOWN:
		r.HardwareExitReason = hostarch.ByteOrder.Uint64(u[0:])
	case EXIT_FAIL_ENTRY:
		r.FailEntry.HardwareEntryFailureReason = hostarch.ByteOrder.Uint64(u[0:])
		r.FailEntry.CPU = hostarch.ByteOrder.Uint32(u[8:])
	case EXIT_EXCEPTION:
		r.Ex.Exception = hostarch.ByteOrder.Uint32(u[0:])
		r.Ex.ErrorCode = hostarch.ByteOrder.Uint32(u[4:])
	case EXIT_IO:
		r.IO.Direction = u[0]
		r.IO.Size = u[1]
		r.IO.Port = hostarch.ByteOrder.Uint16(u[2:])
		r.IO.Count = hostarch.ByteOrder.Uint32(u[4:])
		r.IO.DataOffset = hostarch.ByteOrder.Uint64(u[8:])
	case EXIT_MMIO:
		r.MMIO.PhysAddr = hostarch.ByteOrder.Uint64(u[0:])
		copy(r.MMIO.Data[:], u[8:16])
		r.MMIO.Len = hostarch.ByteOrder.Uint32(u[16:])
		r.MMIO.IsWrite = u[20]
	case EXIT_INTERNAL_ERROR:
		r.Internal.Suberror = hostarch.ByteOrder.Uint32(u[0:])
		r.Internal.NData = hostarch.ByteOrder.Uint32(u[4:])
		for i := range r.Internal.Data {
			r.Internal.Data[i] = hostarch.ByteOrder.Uint64(u[8+8*i:])
		}
	}
	copy(r.IOData[:], src[RunIODataOffset:])
}
