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

// Package vmx provides typed access to Intel VMX operations.
//
// The instructions themselves are reached through the Hardware interface,
// one instance per logical CPU. All VMCS field access goes through Ops, which
// checks every access against the closed Field enum before it reaches the
// hardware.
package vmx

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

// VMCS is an opaque handle to a VMCS region, identified by the host physical
// address of the region. The zero value is not a valid VMCS.
type VMCS struct {
	pa uint64
}

// VMCSAt returns the handle for the VMCS region at host physical address pa.
func VMCSAt(pa uint64) VMCS {
	return VMCS{pa: pa}
}

// PhysAddr returns the host physical address of the region.
func (v VMCS) PhysAddr() uint64 {
	return v.pa
}

// IsZero returns true if v is the zero handle.
func (v VMCS) IsZero() bool {
	return v.pa == 0
}

// String implements fmt.Stringer.
func (v VMCS) String() string {
	return fmt.Sprintf("vmcs@%#x", v.pa)
}

// Guest general purpose register indices, in kvm_regs order.
const (
	RAX = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	NumGPRs
)

// GuestRegs holds the guest state that the VMCS does not save: the general
// purpose registers other than RSP, and CR2. VMLaunch and VMResume load these
// before entry and store them back on exit.
//
// GPR[RSP] is carried only as a convenience for callers; the hardware uses
// the GuestRSP field.
type GuestRegs struct {
	GPR [NumGPRs]uint64
	CR2 uint64
}

// IRQFlags is an opaque saved interrupt state returned by
// Hardware.SaveIRQs.
type IRQFlags uint64

// InvEPTType selects the INVEPT invalidation scope.
type InvEPTType uint64

// INVEPT types.
const (
	InvEPTSingleContext InvEPTType = 1
	InvEPTAllContext    InvEPTType = 2
)

// Hardware is one logical CPU in VMX root operation.
//
// All methods must be called from the thread currently running on that CPU.
// VMRead and VMWrite act on the current VMCS of the CPU, as established by
// VMPtrLd.
type Hardware interface {
	// CPU returns the logical CPU index.
	CPU() int

	// VMClear flushes the VMCS to memory, marks it clear and makes it
	// inactive on this CPU.
	VMClear(v VMCS) error

	// VMPtrLd makes v the current VMCS of this CPU.
	VMPtrLd(v VMCS) error

	// VMRead reads a field of the current VMCS.
	VMRead(f Field) (uint64, error)

	// VMWrite writes a field of the current VMCS.
	VMWrite(f Field, val uint64) error

	// VMLaunch enters the guest with a clear current VMCS. It returns nil
	// after a VM exit, with the exit recorded in the VMCS.
	VMLaunch(regs *GuestRegs) error

	// VMResume enters the guest with a launched current VMCS.
	VMResume(regs *GuestRegs) error

	// InvEPT invalidates cached EPT translations.
	InvEPT(typ InvEPTType, eptp uint64) error

	// SaveIRQs disables local interrupts and returns the previous state.
	SaveIRQs() IRQFlags

	// RestoreIRQs restores a state returned by SaveIRQs.
	RestoreIRQs(flags IRQFlags)
}

// Host is the set of logical CPUs available for running guests.
type Host interface {
	// Features returns the VMX capabilities of the host.
	Features() Features

	// NumCPUs returns the number of logical CPUs.
	NumCPUs() int

	// CPU returns logical CPU i, for 0 <= i < NumCPUs().
	CPU(i int) Hardware

	// AllocVMCS allocates and initializes a VMCS region.
	AllocVMCS() (VMCS, error)

	// FreeVMCS releases a region returned by AllocVMCS. The region must be
	// clear on every CPU.
	FreeVMCS(v VMCS)
}

// Ops is the checked accessor for the current VMCS of a CPU.
//
// Fields outside the Field enum, values wider than the field, and writes to
// read-only exit information fields are rejected with EINVAL before any
// VMREAD or VMWRITE is issued.
type Ops struct {
	hw Hardware
}

// NewOps returns an accessor for the current VMCS of hw.
func NewOps(hw Hardware) Ops {
	return Ops{hw: hw}
}

// Hardware returns the underlying CPU.
func (o Ops) Hardware() Hardware {
	return o.hw
}

// Read reads f.
func (o Ops) Read(f Field) (uint64, error) {
	if !f.Valid() {
		return 0, fmt.Errorf("vmread %v: %w", f, linuxerr.EINVAL)
	}
	v, err := o.hw.VMRead(f)
	if err != nil {
		return 0, err
	}
	if bits := f.Width().Bits(); bits < 64 {
		v &= 1<<bits - 1
	}
	return v, nil
}

// Write writes f.
func (o Ops) Write(f Field, v uint64) error {
	if err := (FieldWrite{Field: f, Value: v}).Check(); err != nil {
		return err
	}
	return o.hw.VMWrite(f, v)
}

// SetBits ORs bits into f.
func (o Ops) SetBits(f Field, bits uint64) error {
	v, err := o.Read(f)
	if err != nil {
		return err
	}
	return o.Write(f, v|bits)
}

// ExitReason reads and decodes the exit reason of the last VM exit.
func (o Ops) ExitReason() (ExitReason, error) {
	v, err := o.Read(ExitReasonField)
	if err != nil {
		return 0, err
	}
	return ExitReason(v), nil
}

// FieldWrite is a single field assignment.
type FieldWrite struct {
	Field Field
	Value uint64
}

// Check validates w without touching the hardware.
func (w FieldWrite) Check() error {
	switch {
	case !w.Field.Valid():
		return fmt.Errorf("vmwrite %v: %w", w.Field, linuxerr.EINVAL)
	case w.Field.ReadOnly():
		return fmt.Errorf("vmwrite %v: read-only field: %w", w.Field, linuxerr.EINVAL)
	case !w.Field.Fits(w.Value):
		return fmt.Errorf("vmwrite %v: value %#x exceeds %d bits: %w", w.Field, w.Value, w.Field.Width().Bits(), linuxerr.EINVAL)
	}
	return nil
}

// WriteAll validates every write and only then issues them in order. Either
// all writes are attempted or none are.
func (o Ops) WriteAll(ws []FieldWrite) error {
	for _, w := range ws {
		if err := w.Check(); err != nil {
			return err
		}
	}
	for _, w := range ws {
		if err := o.hw.VMWrite(w.Field, w.Value); err != nil {
			return err
		}
	}
	return nil
}
