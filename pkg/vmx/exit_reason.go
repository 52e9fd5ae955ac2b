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
	"strings"
)

// ExitReason is the raw 32-bit VM_EXIT_REASON field.
//
// Bits 15:0 hold the basic exit reason. The remaining bits are flags that are
// independent of the basic reason and must be decoded on their own.
type ExitReason uint32

const (
	exitBusLockDetected = 1 << 26
	exitEnclaveMode     = 1 << 27
	exitPendingMTF      = 1 << 28
	exitFromVMXRoot     = 1 << 29
	exitFailedVMEntry   = 1 << 31
)

// Basic returns the decoded basic exit reason.
func (r ExitReason) Basic() BasicExitReason {
	return DecodeBasic(uint16(r))
}

// BasicCode returns the raw low 16 bits.
func (r ExitReason) BasicCode() uint16 {
	return uint16(r)
}

// BusLockDetected reports bit 26.
func (r ExitReason) BusLockDetected() bool {
	return r&exitBusLockDetected != 0
}

// EnclaveMode reports bit 27: the exit was incident to enclave mode.
func (r ExitReason) EnclaveMode() bool {
	return r&exitEnclaveMode != 0
}

// SMIPendingMTF reports bit 28: a pending MTF VM exit.
func (r ExitReason) SMIPendingMTF() bool {
	return r&exitPendingMTF != 0
}

// SMIFromVMXRoot reports bit 29: the exit came from VMX root operation.
func (r ExitReason) SMIFromVMXRoot() bool {
	return r&exitFromVMXRoot != 0
}

// FailedVMEntry reports bit 31: the exit was caused by a VM-entry failure.
func (r ExitReason) FailedVMEntry() bool {
	return r&exitFailedVMEntry != 0
}

// String implements fmt.Stringer.
func (r ExitReason) String() string {
	var flags []string
	if r.BusLockDetected() {
		flags = append(flags, "bus_lock_detected")
	}
	if r.EnclaveMode() {
		flags = append(flags, "enclave_mode")
	}
	if r.SMIPendingMTF() {
		flags = append(flags, "smi_pending_mtf")
	}
	if r.SMIFromVMXRoot() {
		flags = append(flags, "smi_from_vmx_root")
	}
	if r.FailedVMEntry() {
		flags = append(flags, "failed_vmentry")
	}
	if len(flags) == 0 {
		return r.Basic().String()
	}
	return fmt.Sprintf("%s[%s]", r.Basic(), strings.Join(flags, ","))
}

// BasicExitReason is a basic exit reason (Intel SDM Vol. 3 Appendix C).
type BasicExitReason uint16

// Basic exit reasons. Codes 35, 38, 42 and 71 are reserved and, like every
// code above 75, decode to ExitUnknown.
const (
	ExitExceptionOrNMI         BasicExitReason = 0
	ExitExternalInterrupt      BasicExitReason = 1
	ExitTripleFault            BasicExitReason = 2
	ExitInitSignal             BasicExitReason = 3
	ExitSIPI                   BasicExitReason = 4
	ExitIOSMI                  BasicExitReason = 5
	ExitOtherSMI               BasicExitReason = 6
	ExitInterruptWindow        BasicExitReason = 7
	ExitNMIWindow              BasicExitReason = 8
	ExitTaskSwitch             BasicExitReason = 9
	ExitCPUID                  BasicExitReason = 10
	ExitGETSEC                 BasicExitReason = 11
	ExitHLT                    BasicExitReason = 12
	ExitINVD                   BasicExitReason = 13
	ExitINVLPG                 BasicExitReason = 14
	ExitRDPMC                  BasicExitReason = 15
	ExitRDTSC                  BasicExitReason = 16
	ExitRSM                    BasicExitReason = 17
	ExitVMCALL                 BasicExitReason = 18
	ExitVMCLEAR                BasicExitReason = 19
	ExitVMLAUNCH               BasicExitReason = 20
	ExitVMPTRLD                BasicExitReason = 21
	ExitVMPTRST                BasicExitReason = 22
	ExitVMREAD                 BasicExitReason = 23
	ExitVMRESUME               BasicExitReason = 24
	ExitVMWRITE                BasicExitReason = 25
	ExitVMXOFF                 BasicExitReason = 26
	ExitVMXON                  BasicExitReason = 27
	ExitCRAccess               BasicExitReason = 28
	ExitDRAccess               BasicExitReason = 29
	ExitIOInstruction          BasicExitReason = 30
	ExitRDMSR                  BasicExitReason = 31
	ExitWRMSR                  BasicExitReason = 32
	ExitEntryFailureGuestState BasicExitReason = 33
	ExitEntryFailureMSRLoading BasicExitReason = 34
	ExitMWAIT                  BasicExitReason = 36
	ExitMonitorTrapFlag        BasicExitReason = 37
	ExitMONITOR                BasicExitReason = 39
	ExitPAUSE                  BasicExitReason = 40
	ExitEntryFailureMachineChk BasicExitReason = 41
	ExitTPRBelowThreshold      BasicExitReason = 43
	ExitAPICAccess             BasicExitReason = 44
	ExitVirtualizedEOI         BasicExitReason = 45
	ExitAccessGDTROrIDTR       BasicExitReason = 46
	ExitAccessLDTROrTR         BasicExitReason = 47
	ExitEPTViolation           BasicExitReason = 48
	ExitEPTMisconfig           BasicExitReason = 49
	ExitINVEPT                 BasicExitReason = 50
	ExitRDTSCP                 BasicExitReason = 51
	ExitPreemptionTimerExpired BasicExitReason = 52
	ExitINVVPID                BasicExitReason = 53
	ExitWBINVD                 BasicExitReason = 54
	ExitXSETBV                 BasicExitReason = 55
	ExitAPICWrite              BasicExitReason = 56
	ExitRDRAND                 BasicExitReason = 57
	ExitINVPCID                BasicExitReason = 58
	ExitVMFUNC                 BasicExitReason = 59
	ExitENCLS                  BasicExitReason = 60
	ExitRDSEED                 BasicExitReason = 61
	ExitPMLFull                BasicExitReason = 62
	ExitXSAVES                 BasicExitReason = 63
	ExitXRSTORS                BasicExitReason = 64
	ExitPCONFIG                BasicExitReason = 65
	ExitSPPEvent               BasicExitReason = 66
	ExitUMWAIT                 BasicExitReason = 67
	ExitTPAUSE                 BasicExitReason = 68
	ExitLOADIWKEY              BasicExitReason = 69
	ExitENCLV                  BasicExitReason = 70
	ExitENQCMDPASIDFailure     BasicExitReason = 72
	ExitENQCMDSPASIDFailure    BasicExitReason = 73
	ExitBusLock                BasicExitReason = 74
	ExitNotify                 BasicExitReason = 75

	// ExitUnknown is the decoding of every code not listed above.
	ExitUnknown BasicExitReason = 0xffff
)

// MaxBasicExitReason is the highest enumerated basic exit reason.
const MaxBasicExitReason = ExitNotify

// basicExitNames is indexed by basic exit reason. An empty entry marks a
// reserved code.
var basicExitNames = [MaxBasicExitReason + 1]string{
	ExitExceptionOrNMI:         "EXCEPTION_OR_NMI",
	ExitExternalInterrupt:      "EXTERNAL_INTERRUPT",
	ExitTripleFault:            "TRIPLE_FAULT",
	ExitInitSignal:             "INIT_SIGNAL",
	ExitSIPI:                   "SIPI",
	ExitIOSMI:                  "IO_SMI",
	ExitOtherSMI:               "OTHER_SMI",
	ExitInterruptWindow:        "INTERRUPT_WINDOW",
	ExitNMIWindow:              "NMI_WINDOW",
	ExitTaskSwitch:             "TASK_SWITCH",
	ExitCPUID:                  "CPUID",
	ExitGETSEC:                 "GETSEC",
	ExitHLT:                    "HLT",
	ExitINVD:                   "INVD",
	ExitINVLPG:                 "INVLPG",
	ExitRDPMC:                  "RDPMC",
	ExitRDTSC:                  "RDTSC",
	ExitRSM:                    "RSM",
	ExitVMCALL:                 "VMCALL",
	ExitVMCLEAR:                "VMCLEAR",
	ExitVMLAUNCH:               "VMLAUNCH",
	ExitVMPTRLD:                "VMPTRLD",
	ExitVMPTRST:                "VMPTRST",
	ExitVMREAD:                 "VMREAD",
	ExitVMRESUME:               "VMRESUME",
	ExitVMWRITE:                "VMWRITE",
	ExitVMXOFF:                 "VMXOFF",
	ExitVMXON:                  "VMXON",
	ExitCRAccess:               "CR_ACCESS",
	ExitDRAccess:               "DR_ACCESS",
	ExitIOInstruction:          "IO_INSTRUCTION",
	ExitRDMSR:                  "RDMSR",
	ExitWRMSR:                  "WRMSR",
	ExitEntryFailureGuestState: "VM_ENTRY_FAILURE_INVALID_GUEST_STATE",
	ExitEntryFailureMSRLoading: "VM_ENTRY_FAILURE_MSR_LOADING",
	ExitMWAIT:                  "MWAIT",
	ExitMonitorTrapFlag:        "MONITOR_TRAP_FLAG",
	ExitMONITOR:                "MONITOR",
	ExitPAUSE:                  "PAUSE",
	ExitEntryFailureMachineChk: "VM_ENTRY_FAILURE_MACHINE_CHECK_EVENT",
	ExitTPRBelowThreshold:      "TPR_BELOW_THRESHOLD",
	ExitAPICAccess:             "APIC_ACCESS",
	ExitVirtualizedEOI:         "VIRTUALIZED_EOI",
	ExitAccessGDTROrIDTR:       "ACCESS_GDTR_OR_IDTR",
	ExitAccessLDTROrTR:         "ACCESS_LDTR_OR_TR",
	ExitEPTViolation:           "EPT_VIOLATION",
	ExitEPTMisconfig:           "EPT_MISCONFIG",
	ExitINVEPT:                 "INVEPT",
	ExitRDTSCP:                 "RDTSCP",
	ExitPreemptionTimerExpired: "VMX_PREEMPTION_TIMER_EXPIRED",
	ExitINVVPID:                "INVVPID",
	ExitWBINVD:                 "WBINVD",
	ExitXSETBV:                 "XSETBV",
	ExitAPICWrite:              "APIC_WRITE",
	ExitRDRAND:                 "RDRAND",
	ExitINVPCID:                "INVPCID",
	ExitVMFUNC:                 "VMFUNC",
	ExitENCLS:                  "ENCLS",
	ExitRDSEED:                 "RDSEED",
	ExitPMLFull:                "PML_FULL",
	ExitXSAVES:                 "XSAVES",
	ExitXRSTORS:                "XRSTORS",
	ExitPCONFIG:                "PCONFIG",
	ExitSPPEvent:               "SPP_EVENT",
	ExitUMWAIT:                 "UMWAIT",
	ExitTPAUSE:                 "TPAUSE",
	ExitLOADIWKEY:              "LOADIWKEY",
	ExitENCLV:                  "ENCLV",
	ExitENQCMDPASIDFailure:     "ENQCMD_PASID_FAILURE",
	ExitENQCMDSPASIDFailure:    "ENQCMDS_PASID_FAILURE",
	ExitBusLock:                "BUS_LOCK",
	ExitNotify:                 "NOTIFY",
}

// DecodeBasic maps every uint16 to a basic exit reason. It never fails:
// reserved and out-of-range codes map to ExitUnknown.
func DecodeBasic(code uint16) BasicExitReason {
	if code > uint16(MaxBasicExitReason) || basicExitNames[code] == "" {
		return ExitUnknown
	}
	return BasicExitReason(code)
}

// String implements fmt.Stringer.
func (b BasicExitReason) String() string {
	if b <= MaxBasicExitReason && basicExitNames[b] != "" {
		return basicExitNames[b]
	}
	return "UNKNOWN"
}
