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
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmx/pkg/abi/kvm"
	"gvisor.dev/vmx/pkg/ept"
	"gvisor.dev/vmx/pkg/vmx"
)

// Outcome classifies the handling of a VM exit.
type Outcome int

const (
	// Handled means the exit was dealt with; Action says what next.
	Handled Outcome = iota

	// Unhandled means this layer does not implement the exit reason. It
	// is not an error; the caller decides how to escalate.
	Unhandled

	// Fatal means handling failed and the vCPU cannot continue.
	Fatal
)

// Action is what the run loop does after a handled exit.
type Action int

const (
	// ActionResume re-enters the guest.
	ActionResume Action = iota

	// ActionExitToUser returns from RUN with the run page filled in.
	ActionExitToUser
)

// ExitResult is the result of HandleExit. Action is meaningful only for
// Handled, Err only for Fatal.
type ExitResult struct {
	Outcome Outcome
	Action  Action
	Err     error
}

// String implements fmt.Stringer.
func (r ExitResult) String() string {
	switch r.Outcome {
	case Handled:
		if r.Action == ActionResume {
			return "handled(resume)"
		}
		return "handled(exit to user)"
	case Unhandled:
		return "unhandled"
	default:
		return fmt.Sprintf("fatal(%v)", r.Err)
	}
}

func handled(a Action) ExitResult {
	return ExitResult{Outcome: Handled, Action: a}
}

func fatal(err error) ExitResult {
	return ExitResult{Outcome: Fatal, Err: err}
}

var unhandled = ExitResult{Outcome: Unhandled}

// I/O instruction exit qualification.
const (
	ioQualSizeMask  = 0x7
	ioQualIn        = 1 << 3
	ioQualString    = 1 << 4
	ioQualRep       = 1 << 5
	ioQualPortShift = 16
)

// HandleExit dispatches the VM exit described by reason, which was read from
// the current VMCS.
//
// Preconditions: c.mu is locked; the VMCS is current.
func (c *VCPU) HandleExit(reason vmx.ExitReason) ExitResult {
	c.stats.countExit(reason)
	if log.IsLogging(log.Debug) {
		log.Debugf("vCPU %d: exit %v", c.id, reason)
	}
	if reason.FailedVMEntry() {
		return c.handleFailedEntry(reason)
	}

	basic := reason.Basic()
	if basic != vmx.ExitEPTViolation {
		c.faults.reset()
	}
	switch basic {
	case vmx.ExitExternalInterrupt:
		c.stats.ExternalInterrupts.Add(1)
		return handled(ActionResume)
	case vmx.ExitEPTViolation:
		return c.handleEPTViolation()
	case vmx.ExitIOInstruction:
		return c.handleIO()
	case vmx.ExitExceptionOrNMI:
		return c.handleException()
	default:
		c.stats.Unhandled.Add(1)
		return unhandled
	}
}

func (c *VCPU) handleFailedEntry(reason vmx.ExitReason) ExitResult {
	c.stats.FailedEntries.Add(1)
	log.Warningf("vCPU %d: VM entry failed: %v", c.id, reason)
	c.run.ExitReason = kvm.EXIT_FAIL_ENTRY
	c.run.FailEntry = kvm.RunFailEntry{
		HardwareEntryFailureReason: uint64(reason.BasicCode()),
		CPU:                        uint32(c.cpu),
	}
	return handled(ActionExitToUser)
}

// handleEPTViolation turns an EPT violation into a guest page fault.
func (c *VCPU) handleEPTViolation() ExitResult {
	c.stats.EPTViolations.Add(1)
	ops := c.ops()
	v, err := ops.Read(vmx.ExitQualification)
	if err != nil {
		return fatal(err)
	}
	qual := ept.ViolationQual(v)

	// This must precede any other guest state update.
	if err := c.fixNMIBlocking(qual); err != nil {
		return fatal(err)
	}

	gpa, err := ops.Read(vmx.GuestPhysicalAddress)
	if err != nil {
		return fatal(err)
	}
	code := qual.ErrorCode()
	c.exitQual = qual
	if log.IsLogging(log.Debug) {
		log.Debugf("vCPU %d: EPT violation at gpa %#x qual %#x code %v", c.id, gpa, uint64(qual), code)
	}

	rip, err := c.cachedReg(cacheRIP)
	if err != nil {
		return fatal(err)
	}
	res, err := c.PageFault(gpa, code, c.faults.next(gpa, rip, code))
	if err != nil {
		return fatal(err)
	}
	switch res {
	case FaultResolved:
		c.faults.reset()
		return handled(ActionResume)
	case FaultSpurious:
		return handled(ActionResume)
	default:
		c.run.ExitReason = kvm.EXIT_MMIO
		c.run.MMIO = kvm.RunMMIO{PhysAddr: gpa}
		if qual.Write() {
			c.run.MMIO.IsWrite = 1
		}
		return handled(ActionExitToUser)
	}
}

// fixNMIBlocking re-establishes blocking by NMI after an EPT violation that
// occurred while an NMI handler executed IRET, so the guest does not take a
// second NMI before its handler finishes.
func (c *VCPU) fixNMIBlocking(qual ept.ViolationQual) error {
	if !qual.NMIUnblocking() || !c.virtualNMIs {
		return nil
	}
	hw := c.hw()
	flags := hw.SaveIRQs()
	defer hw.RestoreIRQs(flags)

	ops := c.ops()
	info, err := ops.Read(vmx.IDTVectoringInfo)
	if err != nil {
		return err
	}
	if !vmx.IntrInfo(info).Valid() {
		return nil
	}
	return ops.SetBits(vmx.GuestInterruptibility, vmx.InterruptibilityBlockingByNMI)
}

// handleIO exits to userspace with the port access described by the exit
// qualification. The next RUN completes the instruction.
func (c *VCPU) handleIO() ExitResult {
	ops := c.ops()
	qual, err := ops.Read(vmx.ExitQualification)
	if err != nil {
		return fatal(err)
	}
	length, err := ops.Read(vmx.ExitInstructionLength)
	if err != nil {
		return fatal(err)
	}
	if qual&(ioQualString|ioQualRep) != 0 {
		c.run.ExitReason = kvm.EXIT_INTERNAL_ERROR
		c.run.Internal = kvm.RunInternal{Suberror: kvm.INTERNAL_ERROR_EMULATION, NData: 1}
		c.run.Internal.Data[0] = qual
		log.Warningf("vCPU %d: string I/O not supported, qual %#x", c.id, qual)
		return handled(ActionExitToUser)
	}

	c.stats.IOExits.Add(1)
	size := int(qual&ioQualSizeMask) + 1
	in := qual&ioQualIn != 0
	c.run.ExitReason = kvm.EXIT_IO
	c.run.IO = kvm.RunIO{
		Direction:  kvm.EXIT_IO_OUT,
		Size:       uint8(size),
		Port:       uint16(qual >> ioQualPortShift),
		Count:      1,
		DataOffset: kvm.RunIODataOffset,
	}
	c.run.IOData = [8]byte{}
	if in {
		c.run.IO.Direction = kvm.EXIT_IO_IN
	} else {
		hostarch.ByteOrder.PutUint64(c.run.IOData[:], c.regs.GPR[vmx.RAX])
		for i := size; i < len(c.run.IOData); i++ {
			c.run.IOData[i] = 0
		}
	}
	c.io = pendingIO{active: true, in: in, size: size, length: length}
	return handled(ActionExitToUser)
}

// completeIO finishes the instruction of the last I/O exit: IN data is
// taken from the run page and RIP moves past the instruction.
func (c *VCPU) completeIO() error {
	if !c.io.active {
		return nil
	}
	io := c.io
	c.io = pendingIO{}
	if io.in {
		rax := c.regs.GPR[vmx.RAX]
		data := hostarch.ByteOrder.Uint64(c.run.IOData[:])
		switch io.size {
		case 1:
			rax = rax&^0xff | data&0xff
		case 2:
			rax = rax&^0xffff | data&0xffff
		default:
			// 32-bit results zero the upper half.
			rax = data & 0xffffffff
		}
		c.regs.GPR[vmx.RAX] = rax
	}
	rip, err := c.cachedReg(cacheRIP)
	if err != nil {
		return err
	}
	c.setCachedReg(cacheRIP, rip+io.length)
	return nil
}

// handleException absorbs host NMIs and reports guest exceptions to
// userspace.
func (c *VCPU) handleException() ExitResult {
	ops := c.ops()
	v, err := ops.Read(vmx.ExitInterruptionInfo)
	if err != nil {
		return fatal(err)
	}
	info := vmx.IntrInfo(v)
	if info.Type() == vmx.IntrTypeNMI {
		c.stats.NMIs.Add(1)
		return handled(ActionResume)
	}

	c.stats.ExceptionExits.Add(1)
	var errCode uint64
	if info.HasErrorCode() {
		if errCode, err = ops.Read(vmx.ExitInterruptionErrCode); err != nil {
			return fatal(err)
		}
	}
	c.run.ExitReason = kvm.EXIT_EXCEPTION
	c.run.Ex = kvm.RunException{Exception: uint32(info.Vector()), ErrorCode: uint32(errCode)}
	return handled(ActionExitToUser)
}
