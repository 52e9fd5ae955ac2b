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

package vmx

// Pin-based VM-execution controls.
const (
	PinExternalInterruptExiting = 1 << 0
	PinNMIExiting               = 1 << 3
	PinVirtualNMIs              = 1 << 5
	PinPreemptionTimer          = 1 << 6
)

// Primary processor-based VM-execution controls.
const (
	ProcHLTExiting            = 1 << 7
	ProcUnconditionalIOExit   = 1 << 24
	ProcUseIOBitmaps          = 1 << 25
	ProcUseMSRBitmaps         = 1 << 28
	ProcActivateSecondaryCtls = 1 << 31
)

// Secondary processor-based VM-execution controls.
const (
	Proc2EnableEPT         = 1 << 1
	Proc2EnableVPID        = 1 << 5
	Proc2UnrestrictedGuest = 1 << 7
)

// VM-exit controls.
const (
	ExitHostAddrSpaceSize = 1 << 9
	ExitAckInterrupt      = 1 << 15
	ExitSaveEFER          = 1 << 20
	ExitLoadEFER          = 1 << 21
)

// VM-entry controls.
const (
	EntryIA32eModeGuest = 1 << 9
	EntryLoadEFER       = 1 << 15
)

// Guest interruptibility state bits.
const (
	InterruptibilityBlockingBySTI   = 1 << 0
	InterruptibilityBlockingByMovSS = 1 << 1
	InterruptibilityBlockingBySMI   = 1 << 2
	InterruptibilityBlockingByNMI   = 1 << 3
)

// Guest activity states.
const (
	ActivityActive   = 0
	ActivityHLT      = 1
	ActivityShutdown = 2
)

// Interruption information, as found in the VM-exit interruption
// information, IDT-vectoring information and VM-entry interruption
// information fields.
const (
	IntrInfoVectorMask     = 0xff
	IntrInfoTypeShift      = 8
	IntrInfoTypeMask       = 0x7 << IntrInfoTypeShift
	IntrInfoErrorCodeValid = 1 << 11
	IntrInfoNMIUnblocking  = 1 << 12
	IntrInfoValid          = 1 << 31
)

// Interruption types.
const (
	IntrTypeExternal          = 0
	IntrTypeNMI               = 2
	IntrTypeHardwareException = 3
	IntrTypeSoftwareInterrupt = 4
	IntrTypeSoftwareException = 6
)

// IntrInfo is a decoded interruption information field.
type IntrInfo uint32

// Valid returns true if the information is valid.
func (i IntrInfo) Valid() bool {
	return i&IntrInfoValid != 0
}

// Vector returns the interrupt or exception vector.
func (i IntrInfo) Vector() uint8 {
	return uint8(i & IntrInfoVectorMask)
}

// Type returns the interruption type.
func (i IntrInfo) Type() uint32 {
	return uint32(i&IntrInfoTypeMask) >> IntrInfoTypeShift
}

// HasErrorCode returns true if an error code was delivered.
func (i IntrInfo) HasErrorCode() bool {
	return i&IntrInfoErrorCodeValid != 0
}

// MakeIntrInfo builds a valid interruption information field.
func MakeIntrInfo(vector uint8, typ uint32, errorCode bool) IntrInfo {
	i := IntrInfo(vector) | IntrInfo(typ<<IntrInfoTypeShift)&IntrInfoTypeMask | IntrInfoValid
	if errorCode {
		i |= IntrInfoErrorCodeValid
	}
	return i
}

// Exception vectors used by the exit path.
const (
	VectorDE  = 0
	VectorDB  = 1
	VectorNMI = 2
	VectorBP  = 3
	VectorUD  = 6
	VectorGP  = 13
	VectorPF  = 14
	VectorAC  = 17
	VectorMC  = 18
)

// Architectural register bits checked when loading guest state.
const (
	CR0PE = 1 << 0
	CR0NE = 1 << 5
	CR0ET = 1 << 4
	CR0NW = 1 << 29
	CR0CD = 1 << 30
	CR0PG = 1 << 31

	CR4PAE  = 1 << 5
	CR4VMXE = 1 << 13

	EFERSCE = 1 << 0
	EFERLME = 1 << 8
	EFERLMA = 1 << 10
	EFERNXE = 1 << 11

	RFLAGSReserved1 = 1 << 1
	RFLAGSIF        = 1 << 9
)

// Architectural reset values of a vCPU.
const (
	ResetCSSelector = 0xf000
	ResetCSBase     = 0xffff0000
	ResetRIP        = 0xfff0
	ResetRFLAGS     = RFLAGSReserved1
	ResetCR0        = CR0CD | CR0NW | CR0ET
	ResetSegLimit   = 0xffff
)
