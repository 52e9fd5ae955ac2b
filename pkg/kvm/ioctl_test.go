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
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/vmx/pkg/abi/kvm"
	"gvisor.dev/vmx/pkg/ept"
)

// ioctlHarness drives the registry through file ioctls with arguments in
// the host address space.
type ioctlHarness struct {
	h       *testHost
	t       *testThread
	scratch hostarch.Addr
}

func newIoctlHarness(t *testing.T) *ioctlHarness {
	t.Helper()
	h := newTestHost(t, testConfig())
	return &ioctlHarness{
		h:       h,
		t:       &testThread{tid: 1, cpu: 0},
		scratch: h.mapMemory(t, 1),
	}
}

func (i *ioctlHarness) ioctl(t *testing.T, f File, req uint32, arg uint64) uint64 {
	t.Helper()
	ret, err := f.Ioctl(i.t, i.h.as, req, arg)
	if err != nil {
		t.Fatalf("ioctl(%#x, %#x) = %v", req, arg, err)
	}
	return ret
}

func (i *ioctlHarness) copyOut(t *testing.T, b []byte) uint64 {
	t.Helper()
	if err := i.h.as.CopyOut(i.scratch, b); err != nil {
		t.Fatalf("CopyOut = %v", err)
	}
	return uint64(i.scratch)
}

func (i *ioctlHarness) copyIn(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if err := i.h.as.CopyIn(i.scratch, b); err != nil {
		t.Fatalf("CopyIn = %v", err)
	}
	return b
}

func TestIoctlFlow(t *testing.T) {
	i := newIoctlHarness(t)
	dev, err := i.h.r.Open()
	if err != nil {
		t.Fatalf("Open = %v", err)
	}
	if got := i.ioctl(t, dev, kvm.GET_VCPU_MMAP_SIZE, 0); got != hostarch.PageSize {
		t.Errorf("GET_VCPU_MMAP_SIZE = %d, want %d", got, hostarch.PageSize)
	}
	vmf := i.t.file(i.ioctl(t, dev, kvm.CREATE_VM, kvm.X86DefaultVM))

	// Guest memory: out 0x42, al; hlt at guest-physical zero.
	mem := i.h.mapMemory(t, 1)
	if err := i.h.as.CopyOut(mem, []byte{0xe6, 0x42, 0xf4}); err != nil {
		t.Fatalf("CopyOut = %v", err)
	}
	region := kvm.UserspaceMemoryRegion{MemorySize: hostarch.PageSize, UserspaceAddr: uint64(mem)}
	buf := make([]byte, region.SizeBytes())
	region.MarshalBytes(buf)
	i.ioctl(t, vmf, kvm.SET_USER_MEMORY_REGION, i.copyOut(t, buf))

	vcpuf := i.t.file(i.ioctl(t, vmf, kvm.CREATE_VCPU, 0)).(*VCPUFile)

	var sregs kvm.Sregs
	i.ioctl(t, vcpuf, kvm.GET_SREGS, uint64(i.scratch))
	sregs.UnmarshalBytes(i.copyIn(t, sregs.SizeBytes()))
	if sregs.CS.Base != 0xffff0000 {
		t.Errorf("cs base = %#x, want the reset value", sregs.CS.Base)
	}
	sregs.CS.Base, sregs.CS.Selector = 0, 0
	buf = make([]byte, sregs.SizeBytes())
	sregs.MarshalBytes(buf)
	i.ioctl(t, vcpuf, kvm.SET_SREGS, i.copyOut(t, buf))

	regs := kvm.Regs{RAX: 0x99, RFLAGS: 2}
	buf = make([]byte, regs.SizeBytes())
	regs.MarshalBytes(buf)
	i.ioctl(t, vcpuf, kvm.SET_REGS, i.copyOut(t, buf))

	i.ioctl(t, vcpuf, kvm.RUN, 0)
	r := decodeRun(vcpuf.RunPage())
	if r.ExitReason != kvm.EXIT_IO || r.IO.Port != 0x42 || r.IOData[0] != 0x99 {
		t.Errorf("exit = %d io %+v data %v, want OUT 0x99 to port 0x42", r.ExitReason, r.IO, r.IOData)
	}
	i.ioctl(t, vcpuf, kvm.RUN, 0)
	if r := decodeRun(vcpuf.RunPage()); r.ExitReason != kvm.EXIT_HLT {
		t.Errorf("exit reason = %d, want EXIT_HLT", r.ExitReason)
	}

	i.ioctl(t, vcpuf, kvm.GET_REGS, uint64(i.scratch))
	var got kvm.Regs
	got.UnmarshalBytes(i.copyIn(t, got.SizeBytes()))
	if diff := cmp.Diff(kvm.Regs{RAX: 0x99, RIP: 3, RFLAGS: 2}, got); diff != "" {
		t.Errorf("regs mismatch (-want +got):\n%s", diff)
	}

	// The VM outlives its file while a vCPU file is open.
	vm := vmf.(*VMFile).VM()
	vmf.Release()
	if vm.Dead() {
		t.Fatalf("VM destroyed while a vCPU file is open")
	}
	if _, err := vmf.Ioctl(i.t, i.h.as, kvm.CREATE_VCPU, 1); !errors.Is(err, linuxerr.EBADF) {
		t.Errorf("ioctl on released VM file = %v, want EBADF", err)
	}
	vcpuf.Release()
	if !vm.Dead() {
		t.Errorf("VM alive after its last file was released")
	}
	if _, err := vcpuf.Ioctl(i.t, i.h.as, kvm.RUN, 0); !errors.Is(err, linuxerr.EBADF) {
		t.Errorf("RUN on released vCPU file = %v, want EBADF", err)
	}
}

func TestIoctlDirtyLog(t *testing.T) {
	i := newIoctlHarness(t)
	vm, err := i.h.r.CreateVM(kvm.X86DefaultVM)
	if err != nil {
		t.Fatalf("CreateVM = %v", err)
	}
	vmf := &VMFile{vm: vm}
	defer vmf.Release()

	mem := i.h.mapMemory(t, 1)
	if err := vm.SetMemoryRegion(&kvm.UserspaceMemoryRegion{
		Slot:          2,
		Flags:         kvm.MEM_LOG_DIRTY_PAGES,
		MemorySize:    hostarch.PageSize,
		UserspaceAddr: uint64(mem),
	}); err != nil {
		t.Fatalf("SetMemoryRegion = %v", err)
	}
	th := &testThread{tid: 1, cpu: 0}
	c, err := vm.CreateVCPU(th, 0)
	if err != nil {
		t.Fatalf("CreateVCPU = %v", err)
	}
	if res, err := c.PageFault(0x10, ept.PFErrWrite|ept.PFErrGuestFinal, 0); err != nil || res != FaultResolved {
		t.Fatalf("PageFault = %v, %v", res, err)
	}

	bitmapAddr := uint64(i.scratch) + 512
	d := kvm.DirtyLog{Slot: 2, DirtyBitmap: bitmapAddr}
	buf := make([]byte, d.SizeBytes())
	d.MarshalBytes(buf)
	i.ioctl(t, vmf, kvm.GET_DIRTY_LOG, i.copyOut(t, buf))

	bitmap := make([]byte, 8)
	if err := i.h.as.CopyIn(hostarch.Addr(bitmapAddr), bitmap); err != nil {
		t.Fatalf("CopyIn = %v", err)
	}
	if bitmap[0] != 1 {
		t.Errorf("dirty bitmap = %v, want page 0", bitmap)
	}
}

func TestIoctlUnknown(t *testing.T) {
	i := newIoctlHarness(t)
	dev, err := i.h.r.Open()
	if err != nil {
		t.Fatalf("Open = %v", err)
	}
	if _, err := dev.Ioctl(i.t, i.h.as, kvm.RUN, 0); !errors.Is(err, linuxerr.ENOTTY) {
		t.Errorf("RUN on /dev/kvm = %v, want ENOTTY", err)
	}
	vmf := i.t.file(i.ioctl(t, dev, kvm.CREATE_VM, 0))
	defer vmf.Release()
	if _, err := vmf.Ioctl(i.t, i.h.as, kvm.GET_REGS, 0); !errors.Is(err, linuxerr.ENOTTY) {
		t.Errorf("GET_REGS on VM file = %v, want ENOTTY", err)
	}
	vcpuf := i.t.file(i.ioctl(t, vmf, kvm.CREATE_VCPU, 0))
	defer vcpuf.Release()
	if _, err := vcpuf.Ioctl(i.t, i.h.as, kvm.CREATE_VCPU, 1); !errors.Is(err, linuxerr.ENOTTY) {
		t.Errorf("CREATE_VCPU on vCPU file = %v, want ENOTTY", err)
	}
	if _, err := vcpuf.Ioctl(i.t, i.h.as, kvm.RUN, 1); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("RUN with an argument = %v, want EINVAL", err)
	}
	if _, err := vcpuf.Ioctl(i.t, i.h.as, kvm.GET_REGS, 0); err == nil {
		t.Errorf("GET_REGS to unmapped address succeeded")
	}
}

func TestErrno(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{linuxerr.EBADF, unix.EBADF},
		{fmt.Errorf("slot 3: %w", linuxerr.EINVAL), unix.EINVAL},
		{fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", linuxerr.EFAULT)), unix.EFAULT},
		{errors.New("vmlaunch failed"), unix.EIO},
	} {
		if got := Errno(tc.err); got != tc.want {
			t.Errorf("Errno(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
