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
)

// dirtyLogBytes returns the size of the GET_DIRTY_LOG bitmap of s: one bit
// per page, rounded up to 64 bits.
func dirtyLogBytes(s *MemorySlot) int {
	return int((s.Pages() + 63) / 64 * 8)
}

// markDirtyLocked records a write to the page at gpa.
//
// Preconditions: vm.eptMu is locked; s.Contains(gpa).
func markDirtyLocked(s *MemorySlot, gpa uint64) {
	if s.dirty != nil {
		s.dirty.Add(uint32((gpa - s.GPA) >> hostarch.PageShift))
	}
}

// GetDirtyLog returns the pages of slot id written since the previous call,
// as a little-endian bitmap, and write-protects them again so the next write
// is logged.
func (vm *VM) GetDirtyLog(id uint32) ([]byte, error) {
	if id>>16 != 0 || int(id) >= vm.r.cfg.MaxMemorySlots {
		return nil, fmt.Errorf("slot %#x: %w", id, linuxerr.EINVAL)
	}

	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.destroyed {
		return nil, linuxerr.EBADF
	}
	s := vm.slots.byID[id]
	if s == nil || s.dirty == nil {
		return nil, fmt.Errorf("slot %d has no dirty log: %w", id, linuxerr.ENOENT)
	}

	vm.eptMu.Lock()
	defer vm.eptMu.Unlock()
	buf := make([]byte, dirtyLogBytes(s))
	pages := s.dirty.ToSlice()
	ro := hostarch.AccessType{Read: true, Execute: true}
	for _, i := range pages {
		buf[i/8] |= 1 << (i % 8)
		gpa := s.GPA + uint64(i)<<hostarch.PageShift
		if _, err := vm.tables.Protect(gpa, ro); err != nil {
			return nil, err
		}
	}
	s.dirty.ClearRange(0, uint32(s.Pages()))
	if len(pages) > 0 {
		vm.flushGen.Add(1)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("VM %d: %d dirty pages in %v", vm.id, len(pages), s)
	}
	return buf, nil
}
