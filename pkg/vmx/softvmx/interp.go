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
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmx/pkg/ept"
	"gvisor.dev/vmx/pkg/vmx"
)

// Opcodes understood by the interpreter.
const (
	opTwoByte  = 0x0f
	opMovEAXM  = 0xa1
	opMovMEAX  = 0xa3
	opMovEAXI  = 0xb8
	opInt3     = 0xcc
	opInImm    = 0xe4
	opOutImm   = 0xe6
	opJmpRel8  = 0xeb
	opInDX     = 0xec
	opOutDX    = 0xee
	opHLT      = 0xf4
	opCLI      = 0xfa
	opSTI      = 0xfb
	opNOP      = 0x90
	op2CPUID   = 0xa2
	op2UD2     = 0x0b
	op2Group7  = 0x01
	op2VMCALL  = 0xc1
	opAddrMask = 0xffffffff
)

// I/O exit qualification bits.
const (
	ioQualIn        = 1 << 3
	ioQualImmediate = 1 << 6
	ioQualPortShift = 16
)

// guest is the execution state of one entry.
type guest struct {
	cpu  *CPU
	vmcs *vmcsState
	regs *vmx.GuestRegs

	rip    uint64
	rflags uint64

	// exited is set once the exit information has been stored.
	exited bool
}

// eptFault is raised when a guest-physical access is not permitted.
type eptFault struct {
	gpa    uint64
	linear uint64
	access ept.ViolationQual
	perm   hostarch.AccessType
}

func (g *guest) field(f vmx.Field) uint64 {
	return g.vmcs.fields[f]
}

func (g *guest) setField(f vmx.Field, v uint64) {
	g.vmcs.fields[f] = v
}

// run executes the guest until it exits. It returns false if VM entry failed
// on guest state, in which case only the exit reason is stored.
//
// Preconditions: g.cpu.mu is locked.
func (g *guest) run() bool {
	// Exit information is undefined after entry; clear what the exit path
	// reads so stale values never leak into a later exit.
	for _, f := range []vmx.Field{
		vmx.ExitQualification, vmx.GuestPhysicalAddress, vmx.GuestLinearAddress,
		vmx.ExitInterruptionInfo, vmx.ExitInterruptionErrCode,
		vmx.IDTVectoringInfo, vmx.IDTVectoringErrorCode, vmx.ExitInstructionLength,
	} {
		g.setField(f, 0)
	}

	if !g.checkGuestState() {
		reason := vmx.ExitReason(uint32(vmx.ExitEntryFailureGuestState) | 1<<31)
		g.setField(vmx.ExitReasonField, uint64(reason))
		log.Warningf("softvmx CPU %d: %v", g.cpu.index, reason)
		return false
	}
	// Event injection is consumed by entry.
	g.setField(vmx.EntryInterruptionInfo, 0)

	g.rip = g.field(vmx.GuestRIP)
	g.rflags = g.field(vmx.GuestRFLAGS)
	g.regs.GPR[vmx.RSP] = g.field(vmx.GuestRSP)

	if v := g.cpu.pendingVector; v >= 0 {
		g.cpu.pendingVector = -1
		g.externalInterrupt(uint8(v))
		return true
	}
	for n := 0; n < g.cpu.p.quantum; n++ {
		if g.step(); g.exited {
			return true
		}
	}
	g.externalInterrupt(TimerVector)
	return true
}

// checkGuestState performs the guest-state entry checks that the
// interpreter relies on.
func (g *guest) checkGuestState() bool {
	cs := uint32(g.field(vmx.GuestCSAccessRights))
	if cs&vmx.ARUnusable != 0 || cs&vmx.ARPresent == 0 {
		return false
	}
	if g.field(vmx.GuestRFLAGS)&vmx.RFLAGSReserved1 == 0 {
		return false
	}
	return true
}

// exit stores the exit reason and the register state.
func (g *guest) exit(reason vmx.ExitReason) {
	g.setField(vmx.ExitReasonField, uint64(reason))
	g.setField(vmx.GuestRIP, g.rip)
	g.setField(vmx.GuestRFLAGS, g.rflags)
	g.setField(vmx.GuestRSP, g.regs.GPR[vmx.RSP])
	g.exited = true
	if log.IsLogging(log.Debug) {
		log.Debugf("softvmx CPU %d: exit %v at rip %#x", g.cpu.index, reason, g.rip)
	}
}

// exitInstr exits for an instruction of length n that the VMM must
// complete. RIP is left at the instruction.
func (g *guest) exitInstr(reason vmx.BasicExitReason, n int, qual uint64) {
	g.setField(vmx.ExitInstructionLength, uint64(n))
	g.setField(vmx.ExitQualification, qual)
	g.exit(vmx.ExitReason(reason))
}

func (g *guest) externalInterrupt(vector uint8) {
	var info uint64
	if g.field(vmx.ExitControls)&vmx.ExitAckInterrupt != 0 {
		info = uint64(vmx.MakeIntrInfo(vector, vmx.IntrTypeExternal, false))
	}
	g.setField(vmx.ExitInterruptionInfo, info)
	g.exit(vmx.ExitReason(vmx.ExitExternalInterrupt))
}

// exception delivers a fault. The guest has no IDT in this machine, so an
// exception that the exception bitmap does not intercept shuts the guest
// down.
func (g *guest) exception(vector uint8, typ uint32, n int) {
	if g.field(vmx.ExceptionBitmap)&(1<<vector) == 0 {
		g.exit(vmx.ExitReason(vmx.ExitTripleFault))
		return
	}
	g.setField(vmx.ExitInterruptionInfo, uint64(vmx.MakeIntrInfo(vector, typ, false)))
	g.setField(vmx.ExitInstructionLength, uint64(n))
	g.exit(vmx.ExitReason(vmx.ExitExceptionOrNMI))
}

// eptViolation stores the exit information of a failed access.
func (g *guest) eptViolation(f *eptFault) {
	qual := f.access | ept.QualGVAValid | ept.QualGVATranslated
	if f.perm.Read {
		qual |= ept.QualReadable
	}
	if f.perm.Write {
		qual |= ept.QualWritable
	}
	if f.perm.Execute {
		qual |= ept.QualExecutable
	}
	g.setField(vmx.ExitQualification, uint64(qual))
	g.setField(vmx.GuestPhysicalAddress, f.gpa)
	g.setField(vmx.GuestLinearAddress, f.linear)
	g.exit(vmx.ExitReason(vmx.ExitEPTViolation))
}

// access checks one byte of guest-physical memory and returns its host
// physical address.
func (g *guest) access(linear uint64, want ept.ViolationQual) (uint64, *eptFault) {
	gpa := linear & opAddrMask
	hpa, at, ok := ept.Resolve(g.cpu.p.pm, g.field(vmx.EPTPointer), gpa)
	allowed := ok
	switch want {
	case ept.QualRead:
		allowed = allowed && at.Read
	case ept.QualWrite:
		allowed = allowed && at.Write
	case ept.QualInstr:
		allowed = allowed && at.Execute
	}
	if !allowed {
		return 0, &eptFault{gpa: gpa, linear: linear, access: want, perm: at}
	}
	return hpa, nil
}

func (g *guest) read(linear uint64, dst []byte, want ept.ViolationQual) *eptFault {
	for i := range dst {
		hpa, f := g.access(linear+uint64(i), want)
		if f != nil {
			return f
		}
		var b [1]byte
		if err := g.cpu.p.pm.ReadAt(hpa, b[:]); err != nil {
			return &eptFault{gpa: (linear + uint64(i)) & opAddrMask, linear: linear + uint64(i), access: want}
		}
		dst[i] = b[0]
	}
	return nil
}

// write checks every byte before storing any, so a faulting write has no
// effect.
func (g *guest) write(linear uint64, src []byte) *eptFault {
	hpas := make([]uint64, len(src))
	for i := range src {
		hpa, f := g.access(linear+uint64(i), ept.QualWrite)
		if f != nil {
			return f
		}
		hpas[i] = hpa
	}
	for i, b := range src {
		if err := g.cpu.p.pm.WriteAt(hpas[i], []byte{b}); err != nil {
			log.Warningf("softvmx: write to %#x failed: %v", hpas[i], err)
		}
	}
	return nil
}

// fetch reads n instruction bytes at RIP.
func (g *guest) fetch(n int) ([]byte, *eptFault) {
	buf := make([]byte, n)
	base := g.field(vmx.GuestCSBase)
	return buf, g.read(base+g.rip, buf, ept.QualInstr)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// step executes one instruction.
func (g *guest) step() {
	op, f := g.fetch(1)
	if f != nil {
		g.eptViolation(f)
		return
	}
	switch op[0] {
	case opNOP:
		g.rip++
	case opHLT:
		if g.field(vmx.ProcBasedControls)&vmx.ProcHLTExiting == 0 {
			g.setField(vmx.GuestActivityState, vmx.ActivityHLT)
			g.rip++
			g.externalInterrupt(TimerVector)
			return
		}
		g.exitInstr(vmx.ExitHLT, 1, 0)
	case opCLI:
		g.rflags &^= vmx.RFLAGSIF
		g.rip++
	case opSTI:
		g.rflags |= vmx.RFLAGSIF
		g.rip++
	case opInt3:
		g.exception(vmx.VectorBP, vmx.IntrTypeSoftwareException, 1)
	case opJmpRel8:
		b, f := g.fetch(2)
		if f != nil {
			g.eptViolation(f)
			return
		}
		g.rip = (g.rip + 2 + uint64(int64(int8(b[1])))) & opAddrMask
	case opMovEAXI:
		b, f := g.fetch(5)
		if f != nil {
			g.eptViolation(f)
			return
		}
		g.regs.GPR[vmx.RAX] = uint64(le32(b[1:]))
		g.rip += 5
	case opMovEAXM, opMovMEAX:
		b, f := g.fetch(5)
		if f != nil {
			g.eptViolation(f)
			return
		}
		linear := g.field(vmx.GuestDSBase) + uint64(le32(b[1:]))
		var data [4]byte
		if op[0] == opMovEAXM {
			if f := g.read(linear, data[:], ept.QualRead); f != nil {
				g.eptViolation(f)
				return
			}
			g.regs.GPR[vmx.RAX] = uint64(le32(data[:]))
		} else {
			hostarch.ByteOrder.PutUint32(data[:], uint32(g.regs.GPR[vmx.RAX]))
			if f := g.write(linear, data[:]); f != nil {
				g.eptViolation(f)
				return
			}
		}
		g.rip += 5
	case opOutImm, opInImm:
		b, f := g.fetch(2)
		if f != nil {
			g.eptViolation(f)
			return
		}
		qual := uint64(b[1])<<ioQualPortShift | ioQualImmediate
		if op[0] == opInImm {
			qual |= ioQualIn
		}
		g.io(2, qual)
	case opOutDX, opInDX:
		qual := (g.regs.GPR[vmx.RDX] & 0xffff) << ioQualPortShift
		if op[0] == opInDX {
			qual |= ioQualIn
		}
		g.io(1, qual)
	case opTwoByte:
		g.twoByte()
	default:
		g.exception(vmx.VectorUD, vmx.IntrTypeHardwareException, 0)
	}
}

// io exits for a one-byte port access.
func (g *guest) io(n int, qual uint64) {
	if g.field(vmx.ProcBasedControls)&(vmx.ProcUnconditionalIOExit|vmx.ProcUseIOBitmaps) == 0 {
		// The access goes to the host port; nothing is attached.
		if qual&ioQualIn != 0 {
			g.regs.GPR[vmx.RAX] |= 0xff
		}
		g.rip += uint64(n)
		return
	}
	g.exitInstr(vmx.ExitIOInstruction, n, qual)
}

func (g *guest) twoByte() {
	b, f := g.fetch(2)
	if f != nil {
		g.eptViolation(f)
		return
	}
	switch b[1] {
	case op2CPUID:
		g.exitInstr(vmx.ExitCPUID, 2, 0)
	case op2UD2:
		g.exception(vmx.VectorUD, vmx.IntrTypeHardwareException, 0)
	case op2Group7:
		b, f := g.fetch(3)
		if f != nil {
			g.eptViolation(f)
			return
		}
		if b[2] == op2VMCALL {
			g.exitInstr(vmx.ExitVMCALL, 3, 0)
			return
		}
		g.exception(vmx.VectorUD, vmx.IntrTypeHardwareException, 0)
	default:
		g.exception(vmx.VectorUD, vmx.IntrTypeHardwareException, 0)
	}
}
