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
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/abi/linux/errno"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmx/pkg/abi/kvm"
)

// UserIO copies ioctl payloads to and from the caller's memory.
// hostmm.AddressSpace implements it.
type UserIO interface {
	CopyIn(addr hostarch.Addr, dst []byte) error
	CopyOut(addr hostarch.Addr, src []byte) error
}

// File is an open /dev/kvm, VM or vCPU file.
type File interface {
	// Ioctl performs request req with argument arg.
	Ioctl(t Thread, io UserIO, req uint32, arg uint64) (uint64, error)

	// Release is called when the last descriptor is closed.
	Release()
}

// Errno returns the errno userspace sees for err.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e interface{ Errno() errno.Errno }
	if errors.As(err, &e) {
		return unix.Errno(e.Errno())
	}
	return unix.EIO
}

// DeviceFile is an open /dev/kvm.
type DeviceFile struct {
	r *Registry
}

var _ File = (*DeviceFile)(nil)

// Open opens /dev/kvm. It fails with ENODEV on hosts that cannot run guests.
func (r *Registry) Open() (*DeviceFile, error) {
	if err := r.CheckHost(); err != nil {
		return nil, err
	}
	return &DeviceFile{r: r}, nil
}

// Ioctl implements File.Ioctl.
func (f *DeviceFile) Ioctl(t Thread, io UserIO, req uint32, arg uint64) (uint64, error) {
	switch req {
	case kvm.CREATE_VM:
		vm, err := f.r.CreateVM(arg)
		if err != nil {
			return 0, err
		}
		vf := &VMFile{vm: vm}
		fd, err := t.NewFD(vf)
		if err != nil {
			vf.Release()
			return 0, err
		}
		return uint64(fd), nil
	case kvm.GET_VCPU_MMAP_SIZE:
		return uint64(f.r.VCPUMmapSize()), nil
	default:
		log.Debugf("/dev/kvm: unknown ioctl %#x", req)
		return 0, linuxerr.ENOTTY
	}
}

// Release implements File.Release.
func (f *DeviceFile) Release() {}

// VMFile is a VM file. It holds a reference on the VM.
type VMFile struct {
	vm       *VM
	released atomicbitops.Bool
}

var _ File = (*VMFile)(nil)

// VM returns the VM behind f.
func (f *VMFile) VM() *VM {
	return f.vm
}

// Ioctl implements File.Ioctl.
func (f *VMFile) Ioctl(t Thread, io UserIO, req uint32, arg uint64) (uint64, error) {
	if f.released.Load() || f.vm.Dead() {
		return 0, linuxerr.EBADF
	}
	switch req {
	case kvm.CREATE_VCPU:
		c, err := f.vm.CreateVCPU(t, int(arg))
		if err != nil {
			return 0, err
		}
		f.vm.IncRef()
		cf := &VCPUFile{c: c}
		fd, err := t.NewFD(cf)
		if err != nil {
			cf.Release()
			return 0, err
		}
		return uint64(fd), nil

	case kvm.SET_USER_MEMORY_REGION:
		var m kvm.UserspaceMemoryRegion
		buf := make([]byte, m.SizeBytes())
		if err := io.CopyIn(hostarch.Addr(arg), buf); err != nil {
			return 0, err
		}
		m.UnmarshalBytes(buf)
		return 0, f.vm.SetMemoryRegion(&m)

	case kvm.GET_DIRTY_LOG:
		var d kvm.DirtyLog
		buf := make([]byte, d.SizeBytes())
		if err := io.CopyIn(hostarch.Addr(arg), buf); err != nil {
			return 0, err
		}
		d.UnmarshalBytes(buf)
		bitmap, err := f.vm.GetDirtyLog(d.Slot)
		if err != nil {
			return 0, err
		}
		return 0, io.CopyOut(hostarch.Addr(d.DirtyBitmap), bitmap)

	default:
		log.Debugf("VM %d: unknown ioctl %#x", f.vm.id, req)
		return 0, linuxerr.ENOTTY
	}
}

// Release implements File.Release.
func (f *VMFile) Release() {
	if !f.released.Swap(true) {
		f.vm.DecRef()
	}
}

// VCPUFile is a vCPU file. It holds a reference on the VM.
type VCPUFile struct {
	c        *VCPU
	released atomicbitops.Bool
}

var _ File = (*VCPUFile)(nil)

// VCPU returns the vCPU behind f.
func (f *VCPUFile) VCPU() *VCPU {
	return f.c
}

// RunPage returns the memory userspace maps from f.
func (f *VCPUFile) RunPage() []byte {
	return f.c.RunPage()
}

// Ioctl implements File.Ioctl.
func (f *VCPUFile) Ioctl(t Thread, io UserIO, req uint32, arg uint64) (uint64, error) {
	if f.released.Load() || f.c.vm.Dead() {
		return 0, linuxerr.EBADF
	}
	switch req {
	case kvm.RUN:
		if arg != 0 {
			return 0, fmt.Errorf("RUN argument %#x: %w", arg, linuxerr.EINVAL)
		}
		return 0, f.c.Run(t)

	case kvm.GET_REGS:
		regs, err := f.c.GetRegs(t)
		if err != nil {
			return 0, err
		}
		buf := make([]byte, regs.SizeBytes())
		regs.MarshalBytes(buf)
		return 0, io.CopyOut(hostarch.Addr(arg), buf)

	case kvm.SET_REGS:
		var regs kvm.Regs
		buf := make([]byte, regs.SizeBytes())
		if err := io.CopyIn(hostarch.Addr(arg), buf); err != nil {
			return 0, err
		}
		regs.UnmarshalBytes(buf)
		return 0, f.c.SetRegs(t, &regs)

	case kvm.GET_SREGS:
		sregs, err := f.c.GetSregs(t)
		if err != nil {
			return 0, err
		}
		buf := make([]byte, sregs.SizeBytes())
		sregs.MarshalBytes(buf)
		return 0, io.CopyOut(hostarch.Addr(arg), buf)

	case kvm.SET_SREGS:
		var sregs kvm.Sregs
		buf := make([]byte, sregs.SizeBytes())
		if err := io.CopyIn(hostarch.Addr(arg), buf); err != nil {
			return 0, err
		}
		sregs.UnmarshalBytes(buf)
		return 0, f.c.SetSregs(t, &sregs)

	default:
		log.Debugf("vCPU %d: unknown ioctl %#x", f.c.id, req)
		return 0, linuxerr.ENOTTY
	}
}

// Release implements File.Release.
func (f *VCPUFile) Release() {
	if !f.released.Swap(true) {
		f.c.vm.DecRef()
	}
}
