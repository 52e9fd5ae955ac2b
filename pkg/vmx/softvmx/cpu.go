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

package softvmx

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/vmx/pkg/vmx"
)

// CPU is one software logical processor.
type CPU struct {
	p     *Platform
	index int

	// mu serializes instructions issued on this CPU.
	mu sync.Mutex

	// current is the current VMCS, or nil.
	current *vmcsState

	// irqsDisabled is the local interrupt flag.
	irqsDisabled bool

	// pendingVector is an external interrupt that forces an exit on the
	// next entry, or -1.
	pendingVector int

	// Counters for tests.
	entries          atomicbitops.Uint64
	entriesIRQsOff   atomicbitops.Uint64
	invEPTs          atomicbitops.Uint64
	lastInvEPTTarget atomicbitops.Uint64
}

var _ vmx.Hardware = (*CPU)(nil)

// CPU implements vmx.Hardware.CPU.
func (c *CPU) CPU() int {
	return c.index
}

// fail returns the error for a failing instruction: VMfailValid when there
// is a current VMCS to hold the error number, VMfailInvalid otherwise.
//
// Preconditions: c.mu is locked.
func (c *CPU) fail(op string, code vmx.ErrorNumber) error {
	if c.current == nil {
		return vmx.FailInvalid(op)
	}
	c.current.fields[vmx.InstructionErrorField] = uint64(code)
	return vmx.FailValid(op, code)
}

// VMClear implements vmx.Hardware.VMClear.
func (c *CPU) VMClear(v vmx.VMCS) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !validRegion(v) {
		return c.fail("vmclear", vmx.ErrVMClearInvalidAddress)
	}
	s := c.p.lookup(v.PhysAddr())
	if s == nil {
		return c.fail("vmclear", vmx.ErrVMClearInvalidAddress)
	}

	c.p.mu.Lock()
	if s.activeOn != -1 && s.activeOn != c.index {
		// The cached copy lives on the other CPU; clearing from here
		// would lose it.
		other := s.activeOn
		c.p.mu.Unlock()
		log.Warningf("VMCLEAR of %v on CPU %d while active on CPU %d", v, c.index, other)
		return c.fail("vmclear", vmx.ErrVMClearInvalidAddress)
	}
	s.launched = false
	s.activeOn = -1
	c.p.mu.Unlock()

	if c.current == s {
		c.current = nil
	}
	return nil
}

// VMPtrLd implements vmx.Hardware.VMPtrLd.
func (c *CPU) VMPtrLd(v vmx.VMCS) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !validRegion(v) {
		return c.fail("vmptrld", vmx.ErrVMPtrLdInvalidAddress)
	}
	s := c.p.lookup(v.PhysAddr())
	if s == nil {
		return c.fail("vmptrld", vmx.ErrVMPtrLdBadRevision)
	}

	c.p.mu.Lock()
	if s.activeOn != -1 && s.activeOn != c.index {
		other := s.activeOn
		c.p.mu.Unlock()
		log.Warningf("VMPTRLD of %v on CPU %d while active on CPU %d", v, c.index, other)
		return c.fail("vmptrld", vmx.ErrVMPtrLdInvalidAddress)
	}
	s.activeOn = c.index
	c.p.mu.Unlock()

	c.current = s
	return nil
}

// VMRead implements vmx.Hardware.VMRead.
func (c *CPU) VMRead(f vmx.Field) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0, vmx.FailInvalid("vmread")
	}
	if !f.Valid() {
		return 0, c.fail("vmread", vmx.ErrUnsupportedComponent)
	}
	return c.current.fields[f], nil
}

// VMWrite implements vmx.Hardware.VMWrite.
func (c *CPU) VMWrite(f vmx.Field, val uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return vmx.FailInvalid("vmwrite")
	}
	if !f.Valid() {
		return c.fail("vmwrite", vmx.ErrUnsupportedComponent)
	}
	if f.ReadOnly() {
		return c.fail("vmwrite", vmx.ErrVMWriteReadOnly)
	}
	c.current.fields[f] = val
	return nil
}

// VMLaunch implements vmx.Hardware.VMLaunch.
func (c *CPU) VMLaunch(regs *vmx.GuestRegs) error {
	return c.enter("vmlaunch", false, regs)
}

// VMResume implements vmx.Hardware.VMResume.
func (c *CPU) VMResume(regs *vmx.GuestRegs) error {
	return c.enter("vmresume", true, regs)
}

func (c *CPU) enter(op string, resume bool, regs *vmx.GuestRegs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current
	if s == nil {
		return vmx.FailInvalid(op)
	}
	c.p.mu.Lock()
	launched := s.launched
	c.p.mu.Unlock()
	switch {
	case resume && !launched:
		return c.fail(op, vmx.ErrVMResumeNonLaunched)
	case !resume && launched:
		return c.fail(op, vmx.ErrVMLaunchNonClear)
	}
	if err := c.checkControls(op); err != nil {
		return err
	}

	c.entries.Add(1)
	if c.irqsDisabled {
		c.entriesIRQsOff.Add(1)
	}

	// A VMCS stays clear when entry fails on guest state.
	g := guest{cpu: c, vmcs: s, regs: regs}
	if g.run() && !launched {
		c.p.mu.Lock()
		s.launched = true
		c.p.mu.Unlock()
	}
	return nil
}

// checkControls performs the VM-entry checks on control fields that the
// interpreter depends on.
//
// Preconditions: c.mu is locked.
func (c *CPU) checkControls(op string) error {
	f := c.current.fields
	if f[vmx.ProcBasedControls]&vmx.ProcActivateSecondaryCtls == 0 ||
		f[vmx.SecondaryProcControls]&vmx.Proc2EnableEPT == 0 {
		log.Warningf("%s on CPU %d without EPT", op, c.index)
		return c.fail(op, vmx.ErrEntryInvalidControl)
	}
	if _, err := c.p.pm.Frame(f[vmx.EPTPointer] &^ 0xfff); err != nil {
		log.Warningf("%s on CPU %d with bad EPTP %#x", op, c.index, f[vmx.EPTPointer])
		return c.fail(op, vmx.ErrEntryInvalidControl)
	}
	if f[vmx.PinBasedControls]&vmx.PinVirtualNMIs != 0 && f[vmx.PinBasedControls]&vmx.PinNMIExiting == 0 {
		return c.fail(op, vmx.ErrEntryInvalidControl)
	}
	return nil
}

// InvEPT implements vmx.Hardware.InvEPT.
func (c *CPU) InvEPT(typ vmx.InvEPTType, eptp uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch typ {
	case vmx.InvEPTSingleContext, vmx.InvEPTAllContext:
	default:
		return c.fail("invept", vmx.ErrInvalidInvEPTOperand)
	}
	// There is no translation cache; every access walks the tables.
	c.invEPTs.Add(1)
	c.lastInvEPTTarget.Store(eptp)
	return nil
}

// SaveIRQs implements vmx.Hardware.SaveIRQs.
func (c *CPU) SaveIRQs() vmx.IRQFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	var prev vmx.IRQFlags
	if !c.irqsDisabled {
		prev = vmx.IRQFlags(vmx.RFLAGSIF)
	}
	c.irqsDisabled = true
	return prev
}

// RestoreIRQs implements vmx.Hardware.RestoreIRQs.
func (c *CPU) RestoreIRQs(flags vmx.IRQFlags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irqsDisabled = flags&vmx.RFLAGSIF == 0
}

// InjectExternalInterrupt makes the next entry on c exit immediately with
// an external interrupt.
func (c *CPU) InjectExternalInterrupt(vector uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingVector = int(vector)
}

// Poke stores v in a field of the current VMCS, including exit information
// fields that VMWRITE refuses. It reports false without a current VMCS.
func (c *CPU) Poke(f vmx.Field, v uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return false
	}
	c.current.fields[f] = v
	return true
}

// Entries returns the number of successful VM entries.
func (c *CPU) Entries() uint64 {
	return c.entries.Load()
}

// EntriesWithIRQsDisabled returns the number of VM entries made while local
// interrupts were disabled.
func (c *CPU) EntriesWithIRQsDisabled() uint64 {
	return c.entriesIRQsOff.Load()
}

// InvEPTs returns the number of INVEPT instructions executed and the EPTP
// of the last one.
func (c *CPU) InvEPTs() (uint64, uint64) {
	return c.invEPTs.Load(), c.lastInvEPTTarget.Load()
}
