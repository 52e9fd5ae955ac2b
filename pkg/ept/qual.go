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

// Package ept implements extended page tables and the decoding of EPT
// violation exits.
package ept

import (
	"strings"
)

// ViolationQual is the exit qualification of an EPT violation (Intel SDM
// Vol. 3 Table 28-7).
type ViolationQual uint64

// Exit qualification bits.
const (
	// QualRead is set when the access was a data read.
	QualRead ViolationQual = 1 << 0

	// QualWrite is set when the access was a data write.
	QualWrite ViolationQual = 1 << 1

	// QualInstr is set when the access was an instruction fetch.
	QualInstr ViolationQual = 1 << 2

	// QualReadable, QualWritable and QualExecutable are the permissions
	// of the guest-physical address, as the AND of every paging-structure
	// entry used for the translation.
	QualReadable   ViolationQual = 1 << 3
	QualWritable   ViolationQual = 1 << 4
	QualExecutable ViolationQual = 1 << 5

	// QualRWXMask is set when the guest-physical address was mapped.
	QualRWXMask = QualReadable | QualWritable | QualExecutable

	// QualGVAValid is set when the guest linear-address field is valid.
	QualGVAValid ViolationQual = 1 << 7

	// QualGVATranslated is set when the access was to the final
	// translation of a linear address, as opposed to a guest paging
	// structure.
	QualGVATranslated ViolationQual = 1 << 8

	// QualNMIUnblocking is set when the violation was caused by an IRET
	// that unblocked NMIs.
	QualNMIUnblocking ViolationQual = 1 << 12
)

// PageFaultErr is an x86 page-fault error code, extended with bits that
// describe faults on guest-physical addresses.
type PageFaultErr uint64

// Page-fault error code bits.
const (
	PFErrPresent        PageFaultErr = 1 << 0
	PFErrWrite          PageFaultErr = 1 << 1
	PFErrUser           PageFaultErr = 1 << 2
	PFErrRsvd           PageFaultErr = 1 << 3
	PFErrFetch          PageFaultErr = 1 << 4
	PFErrPK             PageFaultErr = 1 << 5
	PFErrSGX            PageFaultErr = 1 << 15
	PFErrGuestFinal     PageFaultErr = 1 << 32
	PFErrGuestPage      PageFaultErr = 1 << 33
	PFErrImplicitAccess PageFaultErr = 1 << 48
)

// Read returns true if the access was a data read.
func (q ViolationQual) Read() bool {
	return q&QualRead != 0
}

// Write returns true if the access was a data write.
func (q ViolationQual) Write() bool {
	return q&QualWrite != 0
}

// Instr returns true if the access was an instruction fetch.
func (q ViolationQual) Instr() bool {
	return q&QualInstr != 0
}

// Present returns true if the address had any EPT permission.
func (q ViolationQual) Present() bool {
	return q&QualRWXMask != 0
}

// GVAValid returns true if the guest linear address is valid.
func (q ViolationQual) GVAValid() bool {
	return q&QualGVAValid != 0
}

// GVATranslated returns true if the access was to a final translation.
func (q ViolationQual) GVATranslated() bool {
	return q&QualGVATranslated != 0
}

// NMIUnblocking returns true if NMI blocking was lifted by IRET before the
// violation.
func (q ViolationQual) NMIUnblocking() bool {
	return q&QualNMIUnblocking != 0
}

// ErrorCode synthesizes the page-fault error code for the violation. Each
// qualification bit contributes independently, and exactly one of
// PFErrGuestFinal and PFErrGuestPage is always set.
func (q ViolationQual) ErrorCode() PageFaultErr {
	var code PageFaultErr
	if q.Read() {
		code |= PFErrUser
	}
	if q.Write() {
		code |= PFErrWrite
	}
	if q.Instr() {
		code |= PFErrFetch
	}
	if q.Present() {
		code |= PFErrPresent
	}
	if q.GVATranslated() {
		code |= PFErrGuestFinal
	} else {
		code |= PFErrGuestPage
	}
	return code
}

// Write returns true if the fault was caused by a write.
func (e PageFaultErr) Write() bool {
	return e&PFErrWrite != 0
}

// Fetch returns true if the fault was caused by an instruction fetch.
func (e PageFaultErr) Fetch() bool {
	return e&PFErrFetch != 0
}

// Present returns true if the faulting address was mapped.
func (e PageFaultErr) Present() bool {
	return e&PFErrPresent != 0
}

// Rsvd returns true if a reserved bit was set in a paging entry.
func (e PageFaultErr) Rsvd() bool {
	return e&PFErrRsvd != 0
}

var pfErrNames = []struct {
	bit  PageFaultErr
	name string
}{
	{PFErrPresent, "PRESENT"},
	{PFErrWrite, "WRITE"},
	{PFErrUser, "USER"},
	{PFErrRsvd, "RSVD"},
	{PFErrFetch, "FETCH"},
	{PFErrPK, "PK"},
	{PFErrSGX, "SGX"},
	{PFErrGuestFinal, "GUEST_FINAL"},
	{PFErrGuestPage, "GUEST_PAGE"},
	{PFErrImplicitAccess, "IMPLICIT_ACCESS"},
}

// String implements fmt.Stringer.
func (e PageFaultErr) String() string {
	var names []string
	for _, n := range pfErrNames {
		if e&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}
