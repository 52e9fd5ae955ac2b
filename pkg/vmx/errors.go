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

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

// ErrorNumber is a VM-instruction error number (Intel SDM Vol. 3 30.4).
type ErrorNumber uint32

// VM-instruction error numbers.
const (
	// ErrFailInvalid is not an SDM number. It denotes VMfailInvalid, where
	// there is no current VMCS to hold an error number.
	ErrFailInvalid ErrorNumber = 0

	ErrVMCallInRoot             ErrorNumber = 1
	ErrVMClearInvalidAddress    ErrorNumber = 2
	ErrVMClearVMXONPointer      ErrorNumber = 3
	ErrVMLaunchNonClear         ErrorNumber = 4
	ErrVMResumeNonLaunched      ErrorNumber = 5
	ErrVMResumeAfterVMXOff      ErrorNumber = 6
	ErrEntryInvalidControl      ErrorNumber = 7
	ErrEntryInvalidHostState    ErrorNumber = 8
	ErrVMPtrLdInvalidAddress    ErrorNumber = 9
	ErrVMPtrLdVMXONPointer      ErrorNumber = 10
	ErrVMPtrLdBadRevision       ErrorNumber = 11
	ErrUnsupportedComponent     ErrorNumber = 12
	ErrVMWriteReadOnly          ErrorNumber = 13
	ErrVMXONInRoot              ErrorNumber = 15
	ErrEntryInvalidExecPointer  ErrorNumber = 16
	ErrEntryNonLaunchedExecPtr  ErrorNumber = 17
	ErrEntryExecPtrNotVMXON     ErrorNumber = 18
	ErrVMCallNonClear           ErrorNumber = 19
	ErrVMCallInvalidExitControl ErrorNumber = 20
	ErrVMCallBadMSEGRevision    ErrorNumber = 22
	ErrVMXOffUnderDualMonitor   ErrorNumber = 23
	ErrVMCallInvalidSMMFeatures ErrorNumber = 24
	ErrEntryInvalidExecControl  ErrorNumber = 25
	ErrEntryBlockedByMovSS      ErrorNumber = 26
	ErrInvalidInvEPTOperand     ErrorNumber = 28
)

var errorNumberNames = map[ErrorNumber]string{
	ErrFailInvalid:              "VMfailInvalid",
	ErrVMCallInRoot:             "VMCALL executed in VMX root operation",
	ErrVMClearInvalidAddress:    "VMCLEAR with invalid physical address",
	ErrVMClearVMXONPointer:      "VMCLEAR with VMXON pointer",
	ErrVMLaunchNonClear:         "VMLAUNCH with non-clear VMCS",
	ErrVMResumeNonLaunched:      "VMRESUME with non-launched VMCS",
	ErrVMResumeAfterVMXOff:      "VMRESUME after VMXOFF",
	ErrEntryInvalidControl:      "VM entry with invalid control fields",
	ErrEntryInvalidHostState:    "VM entry with invalid host-state fields",
	ErrVMPtrLdInvalidAddress:    "VMPTRLD with invalid physical address",
	ErrVMPtrLdVMXONPointer:      "VMPTRLD with VMXON pointer",
	ErrVMPtrLdBadRevision:       "VMPTRLD with incorrect VMCS revision identifier",
	ErrUnsupportedComponent:     "VMREAD/VMWRITE from/to unsupported VMCS component",
	ErrVMWriteReadOnly:          "VMWRITE to read-only VMCS component",
	ErrVMXONInRoot:              "VMXON executed in VMX root operation",
	ErrEntryInvalidExecPointer:  "VM entry with invalid executive-VMCS pointer",
	ErrEntryNonLaunchedExecPtr:  "VM entry with non-launched executive VMCS",
	ErrEntryExecPtrNotVMXON:     "VM entry with executive-VMCS pointer not VMXON pointer",
	ErrVMCallNonClear:           "VMCALL with non-clear VMCS",
	ErrVMCallInvalidExitControl: "VMCALL with invalid VM-exit control fields",
	ErrVMCallBadMSEGRevision:    "VMCALL with incorrect MSEG revision identifier",
	ErrVMXOffUnderDualMonitor:   "VMXOFF under dual-monitor treatment",
	ErrVMCallInvalidSMMFeatures: "VMCALL with invalid SMM-monitor features",
	ErrEntryInvalidExecControl:  "VM entry with invalid VM-execution control fields in executive VMCS",
	ErrEntryBlockedByMovSS:      "VM entry with events blocked by MOV SS",
	ErrInvalidInvEPTOperand:     "invalid operand to INVEPT/INVVPID",
}

// String implements fmt.Stringer.
func (n ErrorNumber) String() string {
	if s, ok := errorNumberNames[n]; ok {
		return s
	}
	return fmt.Sprintf("VM-instruction error %d", uint32(n))
}

// InstructionError is a failed VMX instruction.
//
// Every InstructionError matches linuxerr.EIO under errors.Is.
type InstructionError struct {
	// Op is the instruction mnemonic.
	Op string

	// Code is the VM-instruction error number, or ErrFailInvalid.
	Code ErrorNumber
}

// Error implements error.Error.
func (e *InstructionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Code)
}

// Unwrap implements errors.Unwrap.
func (e *InstructionError) Unwrap() error {
	return linuxerr.EIO
}

// FailValid returns the error for an instruction that failed with a
// VM-instruction error number.
func FailValid(op string, code ErrorNumber) error {
	return &InstructionError{Op: op, Code: code}
}

// FailInvalid returns the error for an instruction that failed without a
// current VMCS.
func FailInvalid(op string) error {
	return &InstructionError{Op: op, Code: ErrFailInvalid}
}
