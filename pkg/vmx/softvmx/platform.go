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

// Package softvmx implements vmx.Host in software.
//
// Each logical CPU keeps VMCS launch state and the current-VMCS pointer the
// way the processor does, so handoff errors between CPUs surface as VMX
// instruction failures. Guests are executed by a small interpreter that
// translates guest-physical addresses through the EPT tables in host
// physical memory and produces the same exits, exit qualifications and
// VMCS exit information as hardware.
//
// The interpreter runs a flat 32-bit machine: linear addresses are segment
// base plus offset, guest paging is ignored and operands are 32 bits wide.
package softvmx

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/vmx/pkg/hostmm"
	"gvisor.dev/vmx/pkg/vmx"
)

// DefaultQuantum is the number of guest instructions executed per entry
// before the simulated host timer forces an external-interrupt exit.
const DefaultQuantum = 1 << 16

// TimerVector is the vector reported for the simulated host timer.
const TimerVector = 0xec

// vmcsRevision is written to the first word of every region.
const vmcsRevision = 0x12

// vmcsState is the contents of one VMCS region.
type vmcsState struct {
	pa       uint64
	fields   map[vmx.Field]uint64
	launched bool

	// activeOn is the CPU that holds the region active, or -1.
	activeOn int
}

// Platform is a software vmx.Host.
type Platform struct {
	pm       *hostmm.PhysicalMemory
	features vmx.Features
	quantum  int

	mu sync.Mutex

	// vmcs is keyed by region address.
	vmcs map[uint64]*vmcsState

	cpus []*CPU
}

// Option configures a Platform.
type Option func(*Platform)

// WithFeatures overrides the reported features.
func WithFeatures(f vmx.Features) Option {
	return func(p *Platform) {
		p.features = f
	}
}

// WithQuantum sets the number of instructions per guest entry.
func WithQuantum(n int) Option {
	return func(p *Platform) {
		p.quantum = n
	}
}

// FullFeatures is every feature the virtualization core uses.
func FullFeatures() vmx.Features {
	return vmx.Features{
		VMX:               true,
		InvariantTSC:      true,
		VirtualNMIs:       true,
		EPT:               true,
		VPID:              true,
		UnrestrictedGuest: true,
	}
}

// New returns a platform with numCPUs logical CPUs whose guest memory is
// pm.
func New(numCPUs int, pm *hostmm.PhysicalMemory, opts ...Option) *Platform {
	p := &Platform{
		pm:       pm,
		features: FullFeatures(),
		quantum:  DefaultQuantum,
		vmcs:     make(map[uint64]*vmcsState),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < numCPUs; i++ {
		p.cpus = append(p.cpus, &CPU{p: p, index: i, pendingVector: -1})
	}
	return p
}

// Features implements vmx.Host.Features.
func (p *Platform) Features() vmx.Features {
	return p.features
}

// NumCPUs implements vmx.Host.NumCPUs.
func (p *Platform) NumCPUs() int {
	return len(p.cpus)
}

// CPU implements vmx.Host.CPU.
func (p *Platform) CPU(i int) vmx.Hardware {
	return p.cpus[i]
}

// SoftCPU returns logical CPU i with its software-only controls.
func (p *Platform) SoftCPU(i int) *CPU {
	return p.cpus[i]
}

// PhysicalMemory returns the memory guests run in.
func (p *Platform) PhysicalMemory() *hostmm.PhysicalMemory {
	return p.pm
}

// AllocVMCS implements vmx.Host.AllocVMCS.
func (p *Platform) AllocVMCS() (vmx.VMCS, error) {
	pa, err := p.pm.AllocFrame()
	if err != nil {
		return vmx.VMCS{}, fmt.Errorf("allocating VMCS region: %w", err)
	}
	var rev [4]byte
	hostarch.ByteOrder.PutUint32(rev[:], vmcsRevision)
	if err := p.pm.WriteAt(pa, rev[:]); err != nil {
		p.pm.FreeFrame(pa)
		return vmx.VMCS{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.vmcs[pa] = &vmcsState{
		pa:       pa,
		fields:   make(map[vmx.Field]uint64),
		activeOn: -1,
	}
	return vmx.VMCSAt(pa), nil
}

// FreeVMCS implements vmx.Host.FreeVMCS.
func (p *Platform) FreeVMCS(v vmx.VMCS) {
	p.mu.Lock()
	s, ok := p.vmcs[v.PhysAddr()]
	if ok && s.activeOn != -1 {
		p.mu.Unlock()
		panic(fmt.Sprintf("FreeVMCS(%v): still active on CPU %d", v, s.activeOn))
	}
	delete(p.vmcs, v.PhysAddr())
	p.mu.Unlock()
	if ok {
		p.pm.FreeFrame(v.PhysAddr())
	}
}

// ActiveVMCS returns the number of regions active on any CPU.
func (p *Platform) ActiveVMCS() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.vmcs {
		if s.activeOn != -1 {
			n++
		}
	}
	return n
}

// AllocatedVMCS returns the number of live regions.
func (p *Platform) AllocatedVMCS() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vmcs)
}

// lookup returns the region at pa, or nil.
func (p *Platform) lookup(pa uint64) *vmcsState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vmcs[pa]
}

// validRegion returns true if v is an address VMCLEAR and VMPTRLD accept.
func validRegion(v vmx.VMCS) bool {
	return !v.IsZero() && hostarch.Addr(v.PhysAddr()).IsPageAligned() && v.PhysAddr() < hostmm.MaxPhysAddr
}

