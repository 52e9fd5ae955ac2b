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

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmx/pkg/ept"
)

// FaultResult is the outcome of a guest page fault.
type FaultResult int

const (
	// FaultResolved means a leaf was installed or widened; the guest
	// should retry the access.
	FaultResolved FaultResult = iota

	// FaultSpurious means the leaf already allowed the access, for
	// example because another vCPU resolved the same fault first.
	FaultSpurious

	// FaultMMIO means no slot backs the access with the needed permission.
	// The access must be emulated; retrying it cannot make progress.
	FaultMMIO
)

var faultResultNames = [...]string{"resolved", "spurious", "mmio"}

// String implements fmt.Stringer.
func (r FaultResult) String() string {
	if int(r) < len(faultResultNames) {
		return faultResultNames[r]
	}
	return fmt.Sprintf("FaultResult(%d)", int(r))
}

// faultAccess returns the permission a fault with code needs.
func faultAccess(code ept.PageFaultErr) hostarch.AccessType {
	switch {
	case code.Write():
		return hostarch.Write
	case code.Fetch():
		return hostarch.Execute
	default:
		return hostarch.Read
	}
}

// covers returns true if at grants every permission of want.
func covers(at, want hostarch.AccessType) bool {
	return (at.Read || !want.Read) && (at.Write || !want.Write) && (at.Execute || !want.Execute)
}

// PageFault services a guest access to gpa that the EPT did not permit.
// code is the page-fault error code synthesized from the exit
// qualification. retry counts the consecutive faults with the same page,
// guest RIP and error code that nothing has changed since; once it reaches
// the configured limit the fault is an error.
func (c *VCPU) PageFault(gpa uint64, code ept.PageFaultErr, retry int) (FaultResult, error) {
	vm := c.vm
	c.stats.FaultsTaken.Add(1)

	if code&ept.PFErrImplicitAccess != 0 {
		log.Warningf("vCPU %d: implicit access in EPT fault code %v", c.id, code)
		code &^= ept.PFErrImplicitAccess
	}
	if retry >= vm.r.cfg.MaxFaultRetries {
		log.Warningf("vCPU %d: gpa %#x faulted %d times without progress", c.id, gpa, retry)
		return 0, fmt.Errorf("gpa %#x: %d faults without progress: %w", gpa, retry, linuxerr.EFAULT)
	}
	if code.Rsvd() {
		c.stats.FaultsMMIO.Add(1)
		return FaultMMIO, nil
	}

	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.destroyed {
		return 0, linuxerr.EBADF
	}
	s := vm.slots.find(gpa)
	want := faultAccess(code)
	if s == nil || !covers(s.access(), want) {
		c.stats.FaultsMMIO.Add(1)
		if log.IsLogging(log.Debug) {
			log.Debugf("vCPU %d: gpa %#x %v is MMIO", c.id, gpa, code)
		}
		return FaultMMIO, nil
	}

	page := uint64(hostarch.Addr(gpa).RoundDown())
	vm.eptMu.Lock()
	defer vm.eptMu.Unlock()
	if _, at, ok := vm.tables.Lookup(page); ok {
		if covers(at, want) {
			c.stats.FaultsSpurious.Add(1)
			return FaultSpurious, nil
		}
		// Only a write to a dirty-logged page can be refused by a present
		// leaf of a slot that allows it.
		markDirtyLocked(s, page)
		if _, err := vm.tables.Protect(page, s.access()); err != nil {
			return 0, err
		}
		c.stats.FaultsFixed.Add(1)
		return FaultResolved, nil
	}

	at := s.access()
	if s.LogDirty() {
		if want.Write {
			markDirtyLocked(s, page)
		} else {
			at.Write = false
		}
	}
	if err := vm.mapLocked(s, page, at); err != nil {
		return 0, err
	}
	c.stats.FaultsFixed.Add(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("vCPU %d: mapped gpa %#x %v from %v", c.id, page, at, s)
	}
	return FaultResolved, nil
}
