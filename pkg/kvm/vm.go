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

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/vmx/pkg/abi/kvm"
	"gvisor.dev/vmx/pkg/ept"
)

// VM is one guest: its memory slots, extended page tables and vCPUs.
//
// A VM is reference counted. The VM file holds the initial reference and
// every vCPU file holds one more; the VM is destroyed when the last one is
// dropped, or immediately by Kill.
type VM struct {
	r   *Registry
	id  int
	typ uint64

	refs atomicbitops.Int64

	// dead is set before destruction starts. vCPU run loops poll it.
	dead atomicbitops.Bool

	// flushGen is incremented whenever EPT leaves are removed or
	// write-protected. A vCPU whose generation is older invalidates its
	// EPT translations before entry.
	flushGen atomicbitops.Uint64

	// mu protects the fields below. Fault handling holds it for reading so
	// that slot changes never race with the resolution of a fault.
	mu        sync.RWMutex
	slots     *slotTable
	vcpus     map[int]*VCPU
	destroyed bool

	// eptMu serializes changes to tables and to slot dirty logs.
	eptMu  sync.Mutex
	tables *ept.Tables
}

// CreateVM creates a VM holding one reference.
func (r *Registry) CreateVM(typ uint64) (*VM, error) {
	if typ != kvm.X86DefaultVM {
		return nil, fmt.Errorf("VM type %d: %w", typ, linuxerr.EINVAL)
	}
	if err := r.CheckHost(); err != nil {
		return nil, err
	}
	tables, err := ept.New(r.as.PhysicalMemory())
	if err != nil {
		return nil, err
	}
	vm := &VM{
		r:      r,
		typ:    typ,
		slots:  newSlotTable(),
		vcpus:  make(map[int]*VCPU),
		tables: tables,
	}
	vm.refs.Store(1)
	r.add(vm)
	log.Infof("Created VM %d", vm.id)
	return vm, nil
}

// ID returns the registry identifier of vm.
func (vm *VM) ID() int {
	return vm.id
}

// Type returns the type vm was created with.
func (vm *VM) Type() uint64 {
	return vm.typ
}

// Dead returns true once vm is being destroyed.
func (vm *VM) Dead() bool {
	return vm.dead.Load()
}

// IncRef takes a reference on vm.
func (vm *VM) IncRef() {
	if vm.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("VM %d: IncRef on released VM", vm.id))
	}
}

// DecRef drops a reference, destroying vm with the last one.
func (vm *VM) DecRef() {
	switch n := vm.refs.Add(-1); {
	case n == 0:
		vm.destroy()
	case n < 0:
		panic(fmt.Sprintf("VM %d: DecRef below zero", vm.id))
	}
}

// Kill destroys vm regardless of outstanding references. Running vCPUs
// return to their callers; later use of any file of vm fails with EBADF.
func (vm *VM) Kill() {
	log.Infof("Killing VM %d", vm.id)
	vm.destroy()
}

// destroy clears and frees every VMCS, unpins guest memory and frees the EPT
// tables.
func (vm *VM) destroy() {
	vm.dead.Store(true)

	vm.mu.Lock()
	if vm.destroyed {
		vm.mu.Unlock()
		return
	}
	vm.destroyed = true
	vcpus := vm.vcpus
	vm.vcpus = nil
	vm.mu.Unlock()

	// vCPU locks come before vm.mu; take them with vm.mu dropped. Run loops
	// observe dead and return.
	for _, c := range vcpus {
		c.release()
	}

	vm.mu.Lock()
	vm.eptMu.Lock()
	for _, s := range vm.slots.slots() {
		vm.invalidateLocked(s)
	}
	vm.slots = newSlotTable()
	vm.tables.Free()
	vm.eptMu.Unlock()
	vm.mu.Unlock()

	vm.r.remove(vm)
	log.Infof("Destroyed VM %d (%d vCPUs)", vm.id, len(vcpus))
}

// CreateVCPU creates vCPU id and loads it on the calling thread.
func (vm *VM) CreateVCPU(t Thread, id int) (*VCPU, error) {
	if id < 0 || id >= vm.r.cfg.MaxVCPUs {
		return nil, fmt.Errorf("vCPU id %d: %w", id, linuxerr.EINVAL)
	}
	cpu := t.CPU()
	if err := vm.r.lockCPU(cpu); err != nil {
		return nil, fmt.Errorf("%v: %w", err, linuxerr.EINVAL)
	}
	defer vm.r.unlockCPU(cpu)

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.destroyed {
		return nil, linuxerr.EBADF
	}
	if _, ok := vm.vcpus[id]; ok {
		return nil, fmt.Errorf("vCPU %d: %w", id, linuxerr.EEXIST)
	}
	if len(vm.vcpus) >= vm.r.cfg.MaxVCPUs {
		return nil, fmt.Errorf("VM %d has %d vCPUs: %w", vm.id, len(vm.vcpus), linuxerr.EINVAL)
	}

	v, err := vm.r.host.AllocVMCS()
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, linuxerr.ENOMEM)
	}
	cu := cleanup.Make(func() { vm.r.host.FreeVMCS(v) })
	defer cu.Clean()

	c := newVCPU(vm, id, v)
	hw := vm.r.host.CPU(cpu)
	if err := hw.VMClear(v); err != nil {
		return nil, fmt.Errorf("vCPU %d: %w", id, err)
	}
	if err := hw.VMPtrLd(v); err != nil {
		return nil, fmt.Errorf("vCPU %d: %w", id, err)
	}
	cu.Add(func() {
		if err := hw.VMClear(v); err != nil {
			log.Warningf("vCPU %d: VMCLEAR on unwind: %v", id, err)
		}
	})
	c.cpu, c.owner = cpu, t.ThreadID()
	if err := c.setup(vm.r.nextVPID()); err != nil {
		return nil, err
	}
	cu.Release()

	vm.vcpus[id] = c
	log.Infof("VM %d: created vCPU %d on CPU %d", vm.id, id, cpu)
	return c, nil
}

// VCPU returns vCPU id, or nil.
func (vm *VM) VCPU(id int) *VCPU {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.vcpus[id]
}

// NumVCPUs returns the number of vCPUs.
func (vm *VM) NumVCPUs() int {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return len(vm.vcpus)
}

// EPTFrames returns the number of EPT table frames and present leaves.
func (vm *VM) EPTFrames() (frames, leaves int) {
	vm.eptMu.Lock()
	defer vm.eptMu.Unlock()
	return vm.tables.Frames(), vm.tables.Leaves()
}

// TranslateGPA returns the host physical address that the EPT currently
// maps gpa to.
func (vm *VM) TranslateGPA(gpa uint64) (uint64, bool) {
	vm.eptMu.Lock()
	defer vm.eptMu.Unlock()
	hpa, _, ok := vm.tables.Lookup(gpa)
	return hpa, ok
}

func (vm *VM) eptp() uint64 {
	vm.eptMu.Lock()
	defer vm.eptMu.Unlock()
	return vm.tables.EPTP()
}
