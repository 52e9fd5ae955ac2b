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
	"math"
	"testing"
)

func TestDecodeBasicTotal(t *testing.T) {
	reserved := map[uint16]bool{35: true, 38: true, 42: true, 71: true}
	for c := 0; c <= math.MaxUint16; c++ {
		code := uint16(c)
		got := DecodeBasic(code)
		switch {
		case code > 75 || reserved[code]:
			if got != ExitUnknown {
				t.Errorf("DecodeBasic(%d) = %v, want UNKNOWN", code, got)
			}
		default:
			if got != BasicExitReason(code) {
				t.Errorf("DecodeBasic(%d) = %d, want %d", code, got, code)
			}
			if got.String() == "UNKNOWN" {
				t.Errorf("DecodeBasic(%d) has no name", code)
			}
		}
	}
}

func TestBasicExitReasonNames(t *testing.T) {
	for _, tc := range []struct {
		code uint16
		want string
	}{
		{0, "EXCEPTION_OR_NMI"},
		{1, "EXTERNAL_INTERRUPT"},
		{10, "CPUID"},
		{12, "HLT"},
		{30, "IO_INSTRUCTION"},
		{48, "EPT_VIOLATION"},
		{49, "EPT_MISCONFIG"},
		{74, "BUS_LOCK"},
		{75, "NOTIFY"},
		{76, "UNKNOWN"},
		{0xffff, "UNKNOWN"},
	} {
		if got := DecodeBasic(tc.code).String(); got != tc.want {
			t.Errorf("DecodeBasic(%d) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestExitReasonFlags(t *testing.T) {
	r := ExitReason(1<<31 | 1<<29 | uint32(ExitEntryFailureGuestState))
	if got := r.Basic(); got != ExitEntryFailureGuestState {
		t.Errorf("Basic() = %v, want %v", got, ExitEntryFailureGuestState)
	}
	if !r.FailedVMEntry() || !r.SMIFromVMXRoot() {
		t.Errorf("flags of %#x not decoded: %v", uint32(r), r)
	}
	if r.BusLockDetected() || r.EnclaveMode() || r.SMIPendingMTF() {
		t.Errorf("spurious flags decoded from %#x: %v", uint32(r), r)
	}
	if got, want := r.String(), "VM_ENTRY_FAILURE_INVALID_GUEST_STATE[smi_from_vmx_root,failed_vmentry]"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	// Flags never change the basic reason.
	for _, flag := range []uint32{1 << 26, 1 << 27, 1 << 28, 1 << 29, 1 << 31} {
		if got := ExitReason(flag | uint32(ExitCPUID)).Basic(); got != ExitCPUID {
			t.Errorf("ExitReason(%#x).Basic() = %v, want CPUID", flag|uint32(ExitCPUID), got)
		}
	}
}
