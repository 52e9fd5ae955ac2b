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

// Package kvm defines the Linux KVM userspace ABI served by /dev/kvm.
//
// Request codes and structure layouts are bit-exact with
// include/uapi/linux/kvm.h on x86-64.
package kvm

// KVMIO is the ioctl type byte used by every KVM request.
const KVMIO = 0xAE

// ioctl direction bits, see include/uapi/asm-generic/ioctl.h.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uint32) uint32 {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNRShift
}

// IO returns the request code of a KVM ioctl that carries no payload.
func IO(nr uint32) uint32 {
	return ioc(iocNone, KVMIO, nr, 0)
}

// IOR returns the request code of a KVM ioctl that copies size bytes out.
func IOR(nr, size uint32) uint32 {
	return ioc(iocRead, KVMIO, nr, size)
}

// IOW returns the request code of a KVM ioctl that copies size bytes in.
func IOW(nr, size uint32) uint32 {
	return ioc(iocWrite, KVMIO, nr, size)
}

// Requests issued on the /dev/kvm file.
const (
	CREATE_VM          = 0xAE01
	GET_VCPU_MMAP_SIZE = 0xAE04
)

// Requests issued on a VM file.
const (
	CREATE_VCPU            = 0xAE41
	GET_DIRTY_LOG          = 0x4010AE42
	SET_USER_MEMORY_REGION = 0x4020AE46
)

// Requests issued on a vCPU file.
const (
	RUN       = 0xAE80
	GET_REGS  = 0x8090AE81
	SET_REGS  = 0x4090AE82
	GET_SREGS = 0x8138AE83
	SET_SREGS = 0x4138AE84
)

// VM types accepted by CREATE_VM.
const (
	// X86DefaultVM is KVM_X86_DEFAULT_VM.
	X86DefaultVM = 0
)

// Memory region flags.
const (
	MEM_LOG_DIRTY_PAGES = 1 << 0
	MEM_READONLY        = 1 << 1

	// MemFlagsMask is the set of flags accepted by SET_USER_MEMORY_REGION.
	MemFlagsMask = MEM_LOG_DIRTY_PAGES | MEM_READONLY
)

// Exit reasons reported in Run.ExitReason.
const (
	EXIT_UNKNOWN        = 0
	EXIT_EXCEPTION      = 1
	EXIT_IO             = 2
	EXIT_HLT            = 5
	EXIT_MMIO           = 6
	EXIT_SHUTDOWN       = 8
	EXIT_FAIL_ENTRY     = 9
	EXIT_INTERNAL_ERROR = 17
)

// Internal error sub-reasons.
const (
	INTERNAL_ERROR_EMULATION       = 1
	INTERNAL_ERROR_SIMUL_EX        = 2
	INTERNAL_ERROR_DELIVERY_EV     = 3
	INTERNAL_ERROR_UNEXPECTED_EXIT = 4
)

// I/O directions.
const (
	EXIT_IO_IN  = 0
	EXIT_IO_OUT = 1
)

// NR_INTERRUPTS is the size of the Sregs interrupt bitmap in bits.
const NR_INTERRUPTS = 256
