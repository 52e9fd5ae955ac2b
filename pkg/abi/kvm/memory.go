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

	"gvisor.dev/gvisor/pkg/hostarch"
)

// UserspaceMemoryRegion is struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SizeofUserspaceMemoryRegion is the size of struct
// kvm_userspace_memory_region.
const SizeofUserspaceMemoryRegion = 32

// SizeBytes returns the marshalled size of m.
func (*UserspaceMemoryRegion) SizeBytes() int {
	return SizeofUserspaceMemoryRegion
}

// MarshalBytes serializes m into dst and returns the remainder of dst.
func (m *UserspaceMemoryRegion) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint32(dst[0:], m.Slot)
	hostarch.ByteOrder.PutUint32(dst[4:], m.Flags)
	hostarch.ByteOrder.PutUint64(dst[8:], m.GuestPhysAddr)
	hostarch.ByteOrder.PutUint64(dst[16:], m.MemorySize)
	hostarch.ByteOrder.PutUint64(dst[24:], m.UserspaceAddr)
	return dst[SizeofUserspaceMemoryRegion:]
}

// UnmarshalBytes deserializes m from src and returns the remainder of src.
func (m *UserspaceMemoryRegion) UnmarshalBytes(src []byte) []byte {
	m.Slot = hostarch.ByteOrder.Uint32(src[0:])
	m.Flags = hostarch.ByteOrder.Uint32(src[4:])
	m.GuestPhysAddr = hostarch.ByteOrder.Uint64(src[8:])
	m.MemorySize = hostarch.ByteOrder.Uint64(src[16:])
	m.UserspaceAddr = hostarch.ByteOrder.Uint64(src[24:])
	return src[SizeofUserspaceMemoryRegion:]
}

// String implements fmt.Stringer.
func (m UserspaceMemoryRegion) String() string {
	return fmt.Sprintf("slot %d flags %#x gpa [%#x,%#x) hva %#x", m.Slot, m.Flags, m.GuestPhysAddr, m.GuestPhysAddr+m.MemorySize, m.UserspaceAddr)
}

// DirtyLog is struct kvm_dirty_log. DirtyBitmap is a user address.
type DirtyLog struct {
	Slot        uint32
	_           uint32
	DirtyBitmap uint64
}

// SizeofDirtyLog is the size of struct kvm_dirty_log.
const SizeofDirtyLog = 16

// SizeBytes returns the marshalled size of d.
func (*DirtyLog) SizeBytes() int {
	return SizeofDirtyLog
}

// MarshalBytes serializes d into dst and returns the remainder of dst.
func (d *DirtyLog) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint32(dst[0:], d.Slot)
	hostarch.ByteOrder.PutUint32(dst[4:], 0)
	hostarch.ByteOrder.PutUint64(dst[8:], d.DirtyBitmap)
	return dst[SizeofDirtyLog:]
}

// UnmarshalBytes deserializes d from src and returns the remainder of src.
func (d *DirtyLog) UnmarshalBytes(src []byte) []byte {
	d.Slot = hostarch.ByteOrder.Uint32(src[0:])
	d.DirtyBitmap = hostarch.ByteOrder.Uint64(src[8:])
	return src[SizeofDirtyLog:]
}
