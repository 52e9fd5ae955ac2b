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

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmx/pkg/abi/kvm"
	"gvisor.dev/vmx/pkg/ept"
)

// maxSlotPages is the largest slot, in pages.
const maxSlotPages = 1<<31 - 1

// MemorySlot is a guest-physical range backed by host virtual memory.
//
// Slots are immutable once published; a change installs a new MemorySlot.
type MemorySlot struct {
	ID    uint32
	GPA   uint64
	Size  uint64
	HVA   hostarch.Addr
	Flags uint32

	// dirty is the dirty page log while LOG_DIRTY_PAGES is set. Protected
	// by VM.eptMu.
	dirty *bitmap.Bitmap
}

// End returns one past the last guest-physical address of s.
func (s *MemorySlot) End() uint64 {
	return s.GPA + s.Size
}

// Pages returns the number of pages in s.
func (s *MemorySlot) Pages() uint64 {
	return s.Size >> hostarch.PageShift
}

// Contains returns true if gpa falls within s.
func (s *MemorySlot) Contains(gpa uint64) bool {
	return s.GPA <= gpa && gpa < s.End()
}

// ReadOnly returns true for slots registered with MEM_READONLY.
func (s *MemorySlot) ReadOnly() bool {
	return s.Flags&kvm.MEM_READONLY != 0
}

// LogDirty returns true for slots registered with MEM_LOG_DIRTY_PAGES.
func (s *MemorySlot) LogDirty() bool {
	return s.Flags&kvm.MEM_LOG_DIRTY_PAGES != 0
}

// HostAddr returns the host virtual address backing gpa.
//
// Preconditions: s.Contains(gpa).
func (s *MemorySlot) HostAddr(gpa uint64) hostarch.Addr {
	return s.HVA + hostarch.Addr(gpa-s.GPA)
}

// access returns the widest EPT permission a leaf of s may carry.
func (s *MemorySlot) access() hostarch.AccessType {
	if s.ReadOnly() {
		return hostarch.AccessType{Read: true, Execute: true}
	}
	return hostarch.AnyAccess
}

// String implements fmt.Stringer.
func (s *MemorySlot) String() string {
	return fmt.Sprintf("slot %d gpa [%#x,%#x) hva %#x flags %#x", s.ID, s.GPA, s.End(), s.HVA, s.Flags)
}

func slotLess(a, b *MemorySlot) bool {
	return a.GPA < b.GPA
}

// slotTable is the set of slots of a VM. Published tables are never
// modified; updates apply to a clone.
type slotTable struct {
	// byGPA is ordered by base address. Ranges never overlap.
	byGPA *btree.BTreeG[*MemorySlot]

	byID map[uint32]*MemorySlot
}

func newSlotTable() *slotTable {
	return &slotTable{
		byGPA: btree.NewG(8, slotLess),
		byID:  make(map[uint32]*MemorySlot),
	}
}

func (t *slotTable) clone() *slotTable {
	c := &slotTable{
		byGPA: t.byGPA.Clone(),
		byID:  make(map[uint32]*MemorySlot, len(t.byID)),
	}
	for id, s := range t.byID {
		c.byID[id] = s
	}
	return c
}

// find returns the slot containing gpa, or nil.
func (t *slotTable) find(gpa uint64) *MemorySlot {
	var found *MemorySlot
	t.byGPA.DescendLessOrEqual(&MemorySlot{GPA: gpa}, func(s *MemorySlot) bool {
		if s.Contains(gpa) {
			found = s
		}
		return false
	})
	return found
}

// overlapping returns a slot other than id that intersects [gpa, gpa+size),
// or nil.
func (t *slotTable) overlapping(gpa, size uint64, id uint32) *MemorySlot {
	var found *MemorySlot
	t.byGPA.DescendLessOrEqual(&MemorySlot{GPA: gpa + size - 1}, func(s *MemorySlot) bool {
		if s.End() <= gpa {
			return false
		}
		if s.ID != id {
			found = s
			return false
		}
		return true
	})
	return found
}

func (t *slotTable) insert(s *MemorySlot) {
	t.byGPA.ReplaceOrInsert(s)
	t.byID[s.ID] = s
}

func (t *slotTable) remove(s *MemorySlot) {
	t.byGPA.Delete(s)
	delete(t.byID, s.ID)
}

// slots returns every slot in ascending address order.
func (t *slotTable) slots() []*MemorySlot {
	ss := make([]*MemorySlot, 0, t.byGPA.Len())
	t.byGPA.Ascend(func(s *MemorySlot) bool {
		ss = append(ss, s)
		return true
	})
	return ss
}

// slotChange classifies a SET_USER_MEMORY_REGION request.
type slotChange int

const (
	changeNone slotChange = iota
	changeCreate
	changeDelete
	changeMove
	changeFlagsOnly
)

var slotChangeNames = [...]string{"none", "create", "delete", "move", "flags"}

// String implements fmt.Stringer.
func (c slotChange) String() string {
	return slotChangeNames[c]
}

// checkRegion validates the parts of a request that do not depend on the
// current slots.
func (vm *VM) checkRegion(m *kvm.UserspaceMemoryRegion) error {
	if as := m.Slot >> 16; as != 0 {
		return fmt.Errorf("address space %d: %w", as, linuxerr.EINVAL)
	}
	if id := m.Slot & 0xffff; int(id) >= vm.r.cfg.MaxMemorySlots {
		return fmt.Errorf("slot %d beyond limit %d: %w", id, vm.r.cfg.MaxMemorySlots, linuxerr.EINVAL)
	}
	if m.Flags&^kvm.MemFlagsMask != 0 {
		return fmt.Errorf("flags %#x: %w", m.Flags, linuxerr.EINVAL)
	}
	if !hostarch.Addr(m.GuestPhysAddr).IsPageAligned() ||
		!hostarch.Addr(m.MemorySize).IsPageAligned() ||
		!hostarch.Addr(m.UserspaceAddr).IsPageAligned() {
		return fmt.Errorf("unaligned region %v: %w", m, linuxerr.EINVAL)
	}
	if m.MemorySize>>hostarch.PageShift > maxSlotPages {
		return fmt.Errorf("region %v too large: %w", m, linuxerr.EINVAL)
	}
	if end := m.GuestPhysAddr + m.MemorySize; end < m.GuestPhysAddr || end > ept.MaxGuestPhysAddr {
		return fmt.Errorf("region %v beyond guest physical address space: %w", m, linuxerr.EINVAL)
	}
	if end := m.UserspaceAddr + m.MemorySize; end < m.UserspaceAddr {
		return fmt.Errorf("region %v wraps host address space: %w", m, linuxerr.EINVAL)
	}
	return nil
}

// classify decides what a request does to old, the slot currently registered
// under the same index.
func classify(old *MemorySlot, m *kvm.UserspaceMemoryRegion) (slotChange, error) {
	if m.MemorySize == 0 {
		if old == nil {
			return changeNone, fmt.Errorf("delete of unregistered slot %d: %w", m.Slot, linuxerr.EINVAL)
		}
		return changeDelete, nil
	}
	if old == nil {
		return changeCreate, nil
	}
	if old.HVA != hostarch.Addr(m.UserspaceAddr) || old.Size != m.MemorySize ||
		(old.Flags^m.Flags)&kvm.MEM_READONLY != 0 {
		return changeNone, fmt.Errorf("slot %d cannot change from %v to %v: %w", m.Slot, old, m, linuxerr.EINVAL)
	}
	if old.GPA != m.GuestPhysAddr {
		return changeMove, nil
	}
	if old.Flags != m.Flags {
		return changeFlagsOnly, nil
	}
	return changeNone, nil
}

// SetMemoryRegion installs, changes or deletes a memory slot.
//
// The new slot table is built aside and published only once every check has
// passed and, with eager mapping, every page of the new slot is mapped. EPT
// leaves of a range that stops being backed by the same host pages are
// removed and their pages unpinned before publication; vCPUs invalidate
// their EPT translations before their next entry.
func (vm *VM) SetMemoryRegion(m *kvm.UserspaceMemoryRegion) error {
	if err := vm.checkRegion(m); err != nil {
		return err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.destroyed {
		return linuxerr.EBADF
	}

	id := m.Slot & 0xffff
	old := vm.slots.byID[id]
	change, err := classify(old, m)
	if err != nil {
		return err
	}
	if change == changeNone {
		return nil
	}

	var s *MemorySlot
	if change != changeDelete {
		s = &MemorySlot{
			ID:    id,
			GPA:   m.GuestPhysAddr,
			Size:  m.MemorySize,
			HVA:   hostarch.Addr(m.UserspaceAddr),
			Flags: m.Flags,
		}
		if other := vm.slots.overlapping(s.GPA, s.Size, id); other != nil {
			return fmt.Errorf("%v overlaps %v: %w", s, other, linuxerr.EINVAL)
		}
		if s.LogDirty() {
			if change == changeMove && old.dirty != nil {
				s.dirty = old.dirty
			} else {
				b := bitmap.New(uint32(s.Pages()))
				s.dirty = &b
			}
		}
	}

	next := vm.slots.clone()
	if old != nil {
		next.remove(old)
	}
	if s != nil {
		next.insert(s)
	}

	vm.eptMu.Lock()
	defer vm.eptMu.Unlock()
	if old != nil {
		vm.invalidateLocked(old)
	}
	if s != nil && vm.r.cfg.EagerMap {
		if err := vm.populateLocked(s); err != nil {
			// The table is left as it was; leaves of old fault back in.
			vm.invalidateLocked(s)
			log.Warningf("VM %d: eager map of %v: %v", vm.id, s, err)
			return err
		}
	}
	vm.slots = next
	log.Debugf("VM %d: %v %v", vm.id, change, m)
	return nil
}

// Slot returns the slot registered under id, or nil.
func (vm *VM) Slot(id uint32) *MemorySlot {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.slots.byID[id]
}

// Slots returns the registered slots in ascending address order.
func (vm *VM) Slots() []*MemorySlot {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.slots.slots()
}

// invalidateLocked removes every EPT leaf in s and unpins the host pages
// behind them.
//
// Preconditions: vm.mu and vm.eptMu are locked.
func (vm *VM) invalidateLocked(s *MemorySlot) {
	var gpas []uint64
	vm.tables.Walk(func(gpa, hpa uint64, at hostarch.AccessType) {
		if s.Contains(gpa) {
			gpas = append(gpas, gpa)
		}
	})
	for _, gpa := range gpas {
		vm.unmapLocked(s, gpa)
	}
	vm.flushGen.Add(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("VM %d: invalidated %d leaves of %v", vm.id, len(gpas), s)
	}
}

// unmapLocked removes the leaf for the page at gpa of s.
//
// Preconditions: vm.eptMu is locked.
func (vm *VM) unmapLocked(s *MemorySlot, gpa uint64) {
	if _, ok, err := vm.tables.Unmap(gpa); err != nil {
		log.Warningf("VM %d: unmapping %#x: %v", vm.id, gpa, err)
	} else if ok {
		vm.r.as.Unpin(s.HostAddr(gpa))
	}
}

// mapLocked pins the host page behind gpa and installs a leaf for it.
//
// Preconditions: vm.eptMu is locked; gpa is page aligned and within s.
func (vm *VM) mapLocked(s *MemorySlot, gpa uint64, at hostarch.AccessType) error {
	hva := s.HostAddr(gpa)
	hpa, err := vm.r.as.Pin(hva)
	if err != nil {
		return fmt.Errorf("pinning %#x for gpa %#x: %w", hva, gpa, err)
	}
	if err := vm.tables.Map(gpa, hpa, at); err != nil {
		vm.r.as.Unpin(hva)
		return err
	}
	return nil
}

// populateLocked maps every page of s. Dirty-logged slots are mapped without
// write access so the first write to each page is logged.
//
// Preconditions: vm.mu and vm.eptMu are locked.
func (vm *VM) populateLocked(s *MemorySlot) error {
	at := s.access()
	if s.LogDirty() {
		at.Write = false
	}
	for gpa := s.GPA; gpa < s.End(); gpa += hostarch.PageSize {
		if err := vm.mapLocked(s, gpa, at); err != nil {
			return err
		}
	}
	return nil
}
