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

// Package kvm implements the VMX virtualization core behind /dev/kvm.
//
// A Registry owns the VMs of one host. Each VM owns its memory slots, its
// extended page tables and its vCPUs; each vCPU owns one VMCS. Guests are run
// through a vmx.Host, which is either the processor or softvmx.
//
// Lock ordering:
//
//	VCPU.mu
//	  Registry.cpus[i], in ascending i
//	    VM.mu
//	      VM.eptMu
//	        Registry.mu
package kvm

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/vmx/pkg/hostmm"
	"gvisor.dev/vmx/pkg/vmx"
)

// Registry is the set of live VMs on a host.
type Registry struct {
	host vmx.Host
	as   *hostmm.AddressSpace
	cfg  Config

	// cpus serializes use of each logical CPU. A vCPU holds the lock of the
	// CPU it is loaded on for the duration of an ioctl, which stands in for
	// running with preemption disabled. A handoff also holds the previous
	// CPU's lock while it clears the VMCS there.
	cpus []sync.Mutex

	mu     sync.Mutex
	vms    map[int]*VM
	nextID int

	// vpid is the last VPID handed out. Zero is reserved for the host.
	vpid uint16
}

// NewRegistry returns a registry running guests on host. Guest memory is
// resolved through as, whose physical memory also holds the EPT tables.
func NewRegistry(host vmx.Host, as *hostmm.AddressSpace, cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		host: host,
		as:   as,
		cfg:  cfg,
		cpus: make([]sync.Mutex, host.NumCPUs()),
		vms:  make(map[int]*VM),
	}, nil
}

// Config returns the registry configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Host returns the processor guests run on.
func (r *Registry) Host() vmx.Host {
	return r.host
}

// AddressSpace returns the host address space slots are resolved in.
func (r *Registry) AddressSpace() *hostmm.AddressSpace {
	return r.as
}

// CheckHost returns ENODEV if the host cannot run guests.
func (r *Registry) CheckHost() error {
	return r.host.Features().Check(r.cfg.RequireInvariantTSC)
}

// VCPUMmapSize is the size of the region a vCPU file maps: one run page.
func (r *Registry) VCPUMmapSize() int {
	return hostarch.PageSize
}

// NumVMs returns the number of live VMs.
func (r *Registry) NumVMs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vms)
}

// VM returns the live VM with the given id, or nil.
func (r *Registry) VM(id int) *VM {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vms[id]
}

func (r *Registry) add(vm *VM) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm.id = r.nextID
	r.nextID++
	r.vms[vm.id] = vm
}

func (r *Registry) remove(vm *VM) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.vms, vm.id)
}

// nextVPID returns a VPID for a new vCPU. VPIDs wrap; a reused VPID is
// flushed by the INVEPT every vCPU issues on its first entry.
func (r *Registry) nextVPID() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vpid++
	if r.vpid == 0 {
		r.vpid = 1
	}
	return r.vpid
}

// lockCPU locks logical CPU i.
func (r *Registry) lockCPU(i int) error {
	if i < 0 || i >= len(r.cpus) {
		return fmt.Errorf("no logical CPU %d", i)
	}
	r.cpus[i].Lock()
	return nil
}

func (r *Registry) unlockCPU(i int) {
	r.cpus[i].Unlock()
}

// Shutdown kills every VM.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	vms := make([]*VM, 0, len(r.vms))
	for _, vm := range r.vms {
		vms = append(vms, vm)
	}
	r.mu.Unlock()
	for _, vm := range vms {
		vm.Kill()
	}
	log.Infof("KVM registry shut down, %d VMs killed", len(vms))
}
