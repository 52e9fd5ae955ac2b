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
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/vmx/pkg/vmx"
)

// ExitStats counts the exits of one vCPU.
type ExitStats struct {
	Exits              atomicbitops.Uint64
	ExternalInterrupts atomicbitops.Uint64
	NMIs               atomicbitops.Uint64
	EPTViolations      atomicbitops.Uint64
	IOExits            atomicbitops.Uint64
	ExceptionExits     atomicbitops.Uint64
	Unhandled          atomicbitops.Uint64
	FailedEntries      atomicbitops.Uint64

	// Page fault service outcomes.
	FaultsTaken    atomicbitops.Uint64
	FaultsFixed    atomicbitops.Uint64
	FaultsSpurious atomicbitops.Uint64
	FaultsMMIO     atomicbitops.Uint64

	// ByReason is indexed by basic exit reason.
	ByReason [vmx.MaxBasicExitReason + 1]atomicbitops.Uint64
}

func (s *ExitStats) countExit(r vmx.ExitReason) {
	s.Exits.Add(1)
	if code := r.BasicCode(); int(code) < len(s.ByReason) {
		s.ByReason[code].Add(1)
	}
}

// Snapshot is a copy of ExitStats.
type Snapshot struct {
	Exits              uint64
	ExternalInterrupts uint64
	NMIs               uint64
	EPTViolations      uint64
	IOExits            uint64
	ExceptionExits     uint64
	Unhandled          uint64
	FailedEntries      uint64
	FaultsTaken        uint64
	FaultsFixed        uint64
	FaultsSpurious     uint64
	FaultsMMIO         uint64

	// ByReason holds the non-zero per-reason counts.
	ByReason map[vmx.BasicExitReason]uint64
}

// Snapshot returns the current counts.
func (s *ExitStats) Snapshot() Snapshot {
	snap := Snapshot{
		Exits:              s.Exits.Load(),
		ExternalInterrupts: s.ExternalInterrupts.Load(),
		NMIs:               s.NMIs.Load(),
		EPTViolations:      s.EPTViolations.Load(),
		IOExits:            s.IOExits.Load(),
		ExceptionExits:     s.ExceptionExits.Load(),
		Unhandled:          s.Unhandled.Load(),
		FailedEntries:      s.FailedEntries.Load(),
		FaultsTaken:        s.FaultsTaken.Load(),
		FaultsFixed:        s.FaultsFixed.Load(),
		FaultsSpurious:     s.FaultsSpurious.Load(),
		FaultsMMIO:         s.FaultsMMIO.Load(),
		ByReason:           make(map[vmx.BasicExitReason]uint64),
	}
	for i := range s.ByReason {
		if n := s.ByReason[i].Load(); n != 0 {
			snap.ByReason[vmx.BasicExitReason(i)] = n
		}
	}
	return snap
}
