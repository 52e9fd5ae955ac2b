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
)

// Field is a VMCS field encoding (Intel SDM Vol. 3 Appendix B).
//
// Field is a closed set: only the encodings declared below are accepted by
// Ops, any other value fails with EINVAL before reaching the hardware.
type Field uint32

// 16-bit fields.
const (
	VirtualProcessorID Field = 0x0000

	GuestESSelector   Field = 0x0800
	GuestCSSelector   Field = 0x0802
	GuestSSSelector   Field = 0x0804
	GuestDSSelector   Field = 0x0806
	GuestFSSelector   Field = 0x0808
	GuestGSSelector   Field = 0x080a
	GuestLDTRSelector Field = 0x080c
	GuestTRSelector   Field = 0x080e

	HostESSelector Field = 0x0c00
	HostCSSelector Field = 0x0c02
	HostSSSelector Field = 0x0c04
	HostDSSelector Field = 0x0c06
	HostFSSelector Field = 0x0c08
	HostGSSelector Field = 0x0c0a
	HostTRSelector Field = 0x0c0c
)

// 64-bit fields.
const (
	EPTPointer           Field = 0x201a
	GuestPhysicalAddress Field = 0x2400
	VMCSLinkPointer      Field = 0x2800
	GuestIA32PAT         Field = 0x2804
	GuestIA32EFER        Field = 0x2806
	HostIA32EFER         Field = 0x2c02
)

// 32-bit fields.
const (
	PinBasedControls        Field = 0x4000
	ProcBasedControls       Field = 0x4002
	ExceptionBitmap         Field = 0x4004
	ExitControls            Field = 0x400c
	EntryControls           Field = 0x4012
	EntryInterruptionInfo   Field = 0x4016
	EntryExceptionErrorCode Field = 0x4018
	EntryInstructionLength  Field = 0x401a
	SecondaryProcControls   Field = 0x401e
	InstructionErrorField   Field = 0x4400
	ExitReasonField         Field = 0x4402
	ExitInterruptionInfo    Field = 0x4404
	ExitInterruptionErrCode Field = 0x4406
	IDTVectoringInfo        Field = 0x4408
	IDTVectoringErrorCode   Field = 0x440a
	ExitInstructionLength   Field = 0x440c
	ExitInstructionInfo     Field = 0x440e
	GuestESLimit            Field = 0x4800
	GuestCSLimit            Field = 0x4802
	GuestSSLimit            Field = 0x4804
	GuestDSLimit            Field = 0x4806
	GuestFSLimit            Field = 0x4808
	GuestGSLimit            Field = 0x480a
	GuestLDTRLimit          Field = 0x480c
	GuestTRLimit            Field = 0x480e
	GuestGDTRLimit          Field = 0x4810
	GuestIDTRLimit          Field = 0x4812
	GuestESAccessRights     Field = 0x4814
	GuestCSAccessRights     Field = 0x4816
	GuestSSAccessRights     Field = 0x4818
	GuestDSAccessRights     Field = 0x481a
	GuestFSAccessRights     Field = 0x481c
	GuestGSAccessRights     Field = 0x481e
	GuestLDTRAccessRights   Field = 0x4820
	GuestTRAccessRights     Field = 0x4822
	GuestInterruptibility   Field = 0x4824
	GuestActivityState      Field = 0x4826
	GuestSysenterCS         Field = 0x482a
	HostSysenterCS          Field = 0x4c00
)

// Natural-width fields.
const (
	CR0GuestHostMask     Field = 0x6000
	CR4GuestHostMask     Field = 0x6002
	CR0ReadShadow        Field = 0x6004
	CR4ReadShadow        Field = 0x6006
	ExitQualification    Field = 0x6400
	GuestLinearAddress   Field = 0x640a
	GuestCR0             Field = 0x6800
	GuestCR3             Field = 0x6802
	GuestCR4             Field = 0x6804
	GuestESBase          Field = 0x6806
	GuestCSBase          Field = 0x6808
	GuestSSBase          Field = 0x680a
	GuestDSBase          Field = 0x680c
	GuestFSBase          Field = 0x680e
	GuestGSBase          Field = 0x6810
	GuestLDTRBase        Field = 0x6812
	GuestTRBase          Field = 0x6814
	GuestGDTRBase        Field = 0x6816
	GuestIDTRBase        Field = 0x6818
	GuestDR7             Field = 0x681a
	GuestRSP             Field = 0x681c
	GuestRIP             Field = 0x681e
	GuestRFLAGS          Field = 0x6820
	GuestPendingDbgExcep Field = 0x6822
	GuestSysenterESP     Field = 0x6824
	GuestSysenterEIP     Field = 0x6826
	HostCR0              Field = 0x6c00
	HostCR3              Field = 0x6c02
	HostCR4              Field = 0x6c04
	HostFSBase           Field = 0x6c06
	HostGSBase           Field = 0x6c08
	HostTRBase           Field = 0x6c0a
	HostGDTRBase         Field = 0x6c0c
	HostIDTRBase         Field = 0x6c0e
	HostSysenterESP      Field = 0x6c10
	HostSysenterEIP      Field = 0x6c12
	HostRSP              Field = 0x6c14
	HostRIP              Field = 0x6c16
)

var fieldNames = map[Field]string{
	VirtualProcessorID:      "VIRTUAL_PROCESSOR_ID",
	GuestESSelector:         "GUEST_ES_SELECTOR",
	GuestCSSelector:         "GUEST_CS_SELECTOR",
	GuestSSSelector:         "GUEST_SS_SELECTOR",
	GuestDSSelector:         "GUEST_DS_SELECTOR",
	GuestFSSelector:         "GUEST_FS_SELECTOR",
	GuestGSSelector:         "GUEST_GS_SELECTOR",
	GuestLDTRSelector:       "GUEST_LDTR_SELECTOR",
	GuestTRSelector:         "GUEST_TR_SELECTOR",
	HostESSelector:          "HOST_ES_SELECTOR",
	HostCSSelector:          "HOST_CS_SELECTOR",
	HostSSSelector:          "HOST_SS_SELECTOR",
	HostDSSelector:          "HOST_DS_SELECTOR",
	HostFSSelector:          "HOST_FS_SELECTOR",
	HostGSSelector:          "HOST_GS_SELECTOR",
	HostTRSelector:          "HOST_TR_SELECTOR",
	EPTPointer:              "EPT_POINTER",
	GuestPhysicalAddress:    "GUEST_PHYSICAL_ADDRESS",
	VMCSLinkPointer:         "VMCS_LINK_POINTER",
	GuestIA32PAT:            "GUEST_IA32_PAT",
	GuestIA32EFER:           "GUEST_IA32_EFER",
	HostIA32EFER:            "HOST_IA32_EFER",
	PinBasedControls:        "PIN_BASED_VM_EXEC_CONTROL",
	ProcBasedControls:       "CPU_BASED_VM_EXEC_CONTROL",
	ExceptionBitmap:         "EXCEPTION_BITMAP",
	ExitControls:            "VM_EXIT_CONTROLS",
	EntryControls:           "VM_ENTRY_CONTROLS",
	EntryInterruptionInfo:   "VM_ENTRY_INTR_INFO_FIELD",
	EntryExceptionErrorCode: "VM_ENTRY_EXCEPTION_ERROR_CODE",
	EntryInstructionLength:  "VM_ENTRY_INSTRUCTION_LEN",
	SecondaryProcControls:   "SECONDARY_VM_EXEC_CONTROL",
	InstructionErrorField:   "VM_INSTRUCTION_ERROR",
	ExitReasonField:         "VM_EXIT_REASON",
	ExitInterruptionInfo:    "VM_EXIT_INTR_INFO",
	ExitInterruptionErrCode: "VM_EXIT_INTR_ERROR_CODE",
	IDTVectoringInfo:        "IDT_VECTORING_INFO_FIELD",
	IDTVectoringErrorCode:   "IDT_VECTORING_ERROR_CODE",
	ExitInstructionLength:   "VM_EXIT_INSTRUCTION_LEN",
	ExitInstructionInfo:     "VMX_INSTRUCTION_INFO",
	GuestESLimit:            "GUEST_ES_LIMIT",
	GuestCSLimit:            "GUEST_CS_LIMIT",
	GuestSSLimit:            "GUEST_SS_LIMIT",
	GuestDSLimit:            "GUEST_DS_LIMIT",
	GuestFSLimit:            "GUEST_FS_LIMIT",
	GuestGSLimit:            "GUEST_GS_LIMIT",
	GuestLDTRLimit:          "GUEST_LDTR_LIMIT",
	GuestTRLimit:            "GUEST_TR_LIMIT",
	GuestGDTRLimit:          "GUEST_GDTR_LIMIT",
	GuestIDTRLimit:          "GUEST_IDTR_LIMIT",
	GuestESAccessRights:     "GUEST_ES_AR_BYTES",
	GuestCSAccessRights:     "GUEST_CS_AR_BYTES",
	GuestSSAccessRights:     "GUEST_SS_AR_BYTES",
	GuestDSAccessRights:     "GUEST_DS_AR_BYTES",
	GuestFSAccessRights:     "GUEST_FS_AR_BYTES",
	GuestGSAccessRights:     "GUEST_GS_AR_BYTES",
	GuestLDTRAccessRights:   "GUEST_LDTR_AR_BYTES",
	GuestTRAccessRights:     "GUEST_TR_AR_BYTES",
	GuestInterruptibility:   "GUEST_INTERRUPTIBILITY_INFO",
	GuestActivityState:      "GUEST_ACTIVITY_STATE",
	GuestSysenterCS:         "GUEST_SYSENTER_CS",
	HostSysenterCS:          "HOST_IA32_SYSENTER_CS",
	CR0GuestHostMask:        "CR0_GUEST_HOST_MASK",
	CR4GuestHostMask:        "CR4_GUEST_HOST_MASK",
	CR0ReadShadow:           "CR0_READ_SHADOW",
	CR4ReadShadow:           "CR4_READ_SHADOW",
	ExitQualification:       "EXIT_QUALIFICATION",
	GuestLinearAddress:      "GUEST_LINEAR_ADDRESS",
	GuestCR0:                "GUEST_CR0",
	GuestCR3:                "GUEST_CR3",
	GuestCR4:                "GUEST_CR4",
	GuestESBase:             "GUEST_ES_BASE",
	GuestCSBase:             "GUEST_CS_BASE",
	GuestSSBase:             "GUEST_SS_BASE",
	GuestDSBase:             "GUEST_DS_BASE",
	GuestFSBase:             "GUEST_FS_BASE",
	GuestGSBase:             "GUEST_GS_BASE",
	GuestLDTRBase:           "GUEST_LDTR_BASE",
	GuestTRBase:             "GUEST_TR_BASE",
	GuestGDTRBase:           "GUEST_GDTR_BASE",
	GuestIDTRBase:           "GUEST_IDTR_BASE",
	GuestDR7:                "GUEST_DR7",
	GuestRSP:                "GUEST_RSP",
	GuestRIP:                "GUEST_RIP",
	GuestRFLAGS:             "GUEST_RFLAGS",
	GuestPendingDbgExcep:    "GUEST_PENDING_DBG_EXCEPTIONS",
	GuestSysenterESP:        "GUEST_SYSENTER_ESP",
	GuestSysenterEIP:        "GUEST_SYSENTER_EIP",
	HostCR0:                 "HOST_CR0",
	HostCR3:                 "HOST_CR3",
	HostCR4:                 "HOST_CR4",
	HostFSBase:              "HOST_FS_BASE",
	HostGSBase:              "HOST_GS_BASE",
	HostTRBase:              "HOST_TR_BASE",
	HostGDTRBase:            "HOST_GDTR_BASE",
	HostIDTRBase:            "HOST_IDTR_BASE",
	HostSysenterESP:         "HOST_IA32_SYSENTER_ESP",
	HostSysenterEIP:         "HOST_IA32_SYSENTER_EIP",
	HostRSP:                 "HOST_RSP",
	HostRIP:                 "HOST_RIP",
}

// Width is the access width of a VMCS field.
type Width uint8

// Field widths, encoded in bits 14:13 of the field encoding.
const (
	Width16      Width = 0
	Width64      Width = 1
	Width32      Width = 2
	WidthNatural Width = 3
)

// Bits returns the number of significant bits of the width on x86-64.
func (w Width) Bits() uint {
	switch w {
	case Width16:
		return 16
	case Width32:
		return 32
	default:
		return 64
	}
}

// FieldType is the VMCS area a field belongs to.
type FieldType uint8

// Field types, encoded in bits 11:10 of the field encoding.
const (
	TypeControl    FieldType = 0
	TypeExitInfo   FieldType = 1
	TypeGuestState FieldType = 2
	TypeHostState  FieldType = 3
)

// Valid returns true if f is one of the declared fields.
func (f Field) Valid() bool {
	_, ok := fieldNames[f]
	return ok
}

// Width returns the access width of f.
func (f Field) Width() Width {
	return Width((f >> 13) & 0x3)
}

// Type returns the VMCS area of f.
func (f Field) Type() FieldType {
	return FieldType((f >> 10) & 0x3)
}

// ReadOnly returns true for VM-exit information fields, which VMWRITE
// rejects unless the processor supports writing them.
func (f Field) ReadOnly() bool {
	return f.Type() == TypeExitInfo
}

// Fits returns true if v is representable in the width of f.
func (f Field) Fits(v uint64) bool {
	bits := f.Width().Bits()
	return bits == 64 || v>>bits == 0
}

// String implements fmt.Stringer.
func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("FIELD(%#x)", uint32(f))
}

// Fields returns every declared field in no particular order.
func Fields() []Field {
	fs := make([]Field, 0, len(fieldNames))
	for f := range fieldNames {
		fs = append(fs, f)
	}
	return fs
}
