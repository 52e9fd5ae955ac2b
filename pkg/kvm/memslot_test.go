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
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/vmx/pkg/abi/kvm"
	"gvisor.dev/vmx/pkg/ept"
)

func newTestVM(t *testing.T, h *testHost) *VM {
	t.Helper()
	vm, err := h.r.CreateVM(kvm.X86DefaultVM)
	if err != nil {
		t.Fatalf("CreateVM = %v", err)
	}
	return vm
}

func TestSetMemoryRegionValidation(t *testing.T) {
	h := newTestHost(t, testConfig())
	vm := newTestVM(t, h)
	hva := uint64(h.mapMemory(t, 2))
	const page = hostarch.PageSize

	for _, tc := range []struct {
		name string
		m    kvm.UserspaceMemoryRegion
	}{
		{"address space", kvm.UserspaceMemoryRegion{Slot: 1 << 16, MemorySize: page, UserspaceAddr: hva}},
		{"slot limit", kvm.UserspaceMemoryRegion{Slot: 8, MemorySize: page, UserspaceAddr: hva}},
		{"unknown flag", kvm.UserspaceMemoryRegion{Flags: 1 << 2, MemorySize: page, UserspaceAddr: hva}},
		{"unaligned gpa", kvm.UserspaceMemoryRegion{GuestPhysAddr: 0x800, MemorySize: page, UserspaceAddr: hva}},
		{"unaligned size", kvm.UserspaceMemoryRegion{MemorySize: page + 1, UserspaceAddr: hva}},
		{"unaligned hva", kvm.UserspaceMemoryRegion{MemorySize: page, UserspaceAddr: hva + 8}},
		{"too many pages", kvm.UserspaceMemoryRegion{MemorySize: (maxSlotPages + 1) * page, UserspaceAddr: hva}},
		{"gpa wraps", kvm.UserspaceMemoryRegion{GuestPhysAddr: ^uint64(page - 1), MemorySize: 2 * page, UserspaceAddr: hva}},
		{"gpa beyond ept", kvm.UserspaceMemoryRegion{GuestPhysAddr: ept.MaxGuestPhysAddr - page, MemorySize: 2 * page, UserspaceAddr: hva}},
		{"hva wraps", kvm.UserspaceMemoryRegion{MemorySize: 2 * page, UserspaceAddr: ^uint64(page - 1)}},
		{"delete missing", kvm.UserspaceMemoryRegion{Slot: 3}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := vm.SetMemoryRegion(&tc.m); !errors.Is(err, linuxerr.EINVAL) {
				t.Errorf("SetMemoryRegion(%v) = %v, want EINVAL", tc.m, err)
			}
		})
	}
	if n := len(vm.Slots()); n != 0 {
		t.Errorf("rejected requests left %d slots", n)
	}
}

func TestSlotChanges(t *testing.T) {
	h := newTestHost(t, testConfig())
	vm := newTestVM(t, h)
	hva := uint64(h.mapMemory(t, 2))
	const page = hostarch.PageSize
	base := kvm.UserspaceMemoryRegion{Slot: 0, GuestPhysAddr: 0x10000, MemorySize: 2 * page, UserspaceAddr: hva}

	set := func(m kvm.UserspaceMemoryRegion) error {
		return vm.SetMemoryRegion(&m)
	}
	if err := set(base); err != nil {
		t.Fatalf("create = %v", err)
	}
	if err := set(base); err != nil {
		t.Errorf("identical request = %v, want nil", err)
	}

	overlap := kvm.UserspaceMemoryRegion{Slot: 1, GuestPhysAddr: 0x11000, MemorySize: 2 * page, UserspaceAddr: hva}
	if err := set(overlap); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("overlapping create = %v, want EINVAL", err)
	}
	adjacent := overlap
	adjacent.GuestPhysAddr = 0x12000
	if err := set(adjacent); err != nil {
		t.Errorf("adjacent create = %v", err)
	}

	flags := base
	flags.Flags = kvm.MEM_LOG_DIRTY_PAGES
	if err := set(flags); err != nil {
		t.Fatalf("flags change = %v", err)
	}
	if s := vm.Slot(0); s == nil || !s.LogDirty() {
		t.Errorf("slot 0 = %v, want dirty logging", s)
	}

	for _, tc := range []struct {
		name   string
		change func(m *kvm.UserspaceMemoryRegion)
	}{
		{"size", func(m *kvm.UserspaceMemoryRegion) { m.MemorySize = page }},
		{"hva", func(m *kvm.UserspaceMemoryRegion) { m.UserspaceAddr += page }},
		{"readonly", func(m *kvm.UserspaceMemoryRegion) { m.Flags |= kvm.MEM_READONLY }},
		{"move onto slot 1", func(m *kvm.UserspaceMemoryRegion) { m.GuestPhysAddr = 0x13000 }},
	} {
		m := flags
		tc.change(&m)
		if err := set(m); !errors.Is(err, linuxerr.EINVAL) {
			t.Errorf("%s change = %v, want EINVAL", tc.name, err)
		}
	}

	move := flags
	move.GuestPhysAddr = 0x40000
	if err := set(move); err != nil {
		t.Fatalf("move = %v", err)
	}
	if s := vm.Slot(0); s.GPA != 0x40000 || !s.LogDirty() {
		t.Errorf("moved slot = %v, want gpa 0x40000 with dirty logging", s)
	}

	del := move
	del.MemorySize = 0
	if err := set(del); err != nil {
		t.Fatalf("delete = %v", err)
	}
	if s := vm.Slot(0); s != nil {
		t.Errorf("deleted slot still present: %v", s)
	}
	if got := len(vm.Slots()); got != 1 {
		t.Errorf("%d slots left, want 1", got)
	}
}

func TestEagerMapAndInvalidation(t *testing.T) {
	cfg := testConfig()
	cfg.EagerMap = true
	h := newTestHost(t, cfg)
	vm := newTestVM(t, h)
	hva := uint64(h.mapMemory(t, 2))
	m := kvm.UserspaceMemoryRegion{GuestPhysAddr: 0x10000, MemorySize: 2 * hostarch.PageSize, UserspaceAddr: hva}
	if err := vm.SetMemoryRegion(&m); err != nil {
		t.Fatalf("SetMemoryRegion = %v", err)
	}
	if _, leaves := vm.EPTFrames(); leaves != 2 {
		t.Errorf("leaves after create = %d, want 2", leaves)
	}
	if n := h.as.Pinned(); n != 2 {
		t.Errorf("pinned pages = %d, want 2", n)
	}

	gen := vm.flushGen.Load()
	m.GuestPhysAddr = 0x80000
	if err := vm.SetMemoryRegion(&m); err != nil {
		t.Fatalf("move = %v", err)
	}
	if _, ok := vm.TranslateGPA(0x10000); ok {
		t.Errorf("old gpa still mapped after move")
	}
	if _, ok := vm.TranslateGPA(0x81000); !ok {
		t.Errorf("new gpa not mapped after move")
	}
	if vm.flushGen.Load() == gen {
		t.Errorf("move did not start a new flush generation")
	}
	if n := h.as.Pinned(); n != 2 {
		t.Errorf("pinned pages after move = %d, want 2", n)
	}

	m.MemorySize = 0
	if err := vm.SetMemoryRegion(&m); err != nil {
		t.Fatalf("delete = %v", err)
	}
	if _, leaves := vm.EPTFrames(); leaves != 0 {
		t.Errorf("leaves after delete = %d, want 0", leaves)
	}
	if n := h.as.Pinned(); n != 0 {
		t.Errorf("pinned pages after delete = %d, want 0", n)
	}
}

func TestEagerMapFailureLeavesTable(t *testing.T) {
	cfg := testConfig()
	cfg.EagerMap = true
	h := newTestHost(t, cfg)
	vm := newTestVM(t, h)

	// The two pages straddle a 2M boundary: the first needs three new table
	// frames below the root and the second a fourth.
	h.pm.SetFrameLimit(h.pm.TableFrames() + 3)
	hva := uint64(h.mapMemory(t, 2))
	m := kvm.UserspaceMemoryRegion{Slot: 1, GuestPhysAddr: 0x1ff000, MemorySize: 2 * hostarch.PageSize, UserspaceAddr: hva}
	if err := vm.SetMemoryRegion(&m); !errors.Is(err, linuxerr.ENOMEM) {
		t.Fatalf("SetMemoryRegion = %v, want ENOMEM", err)
	}
	if s := vm.Slot(1); s != nil {
		t.Errorf("slot %v installed by a failed call", s)
	}
	if _, leaves := vm.EPTFrames(); leaves != 0 {
		t.Errorf("leaves after failure = %d, want 0", leaves)
	}
	if n := h.as.Pinned(); n != 0 {
		t.Errorf("pinned pages after failure = %d, want 0", n)
	}

	h.pm.SetFrameLimit(0)
	if err := vm.SetMemoryRegion(&m); err != nil {
		t.Fatalf("SetMemoryRegion retry = %v", err)
	}
	if vm.Slot(1) == nil {
		t.Errorf("slot missing after retry")
	}
	if _, leaves := vm.EPTFrames(); leaves != 2 {
		t.Errorf("leaves after retry = %d, want 2", leaves)
	}
}

func TestReadOnlySlotAccess(t *testing.T) {
	cfg := testConfig()
	cfg.EagerMap = true
	h := newTestHost(t, cfg)
	vm := newTestVM(t, h)
	m := kvm.UserspaceMemoryRegion{
		Flags:         kvm.MEM_READONLY,
		MemorySize:    hostarch.PageSize,
		UserspaceAddr: uint64(h.mapMemory(t, 1)),
	}
	if err := vm.SetMemoryRegion(&m); err != nil {
		t.Fatalf("SetMemoryRegion = %v", err)
	}
	vm.eptMu.Lock()
	_, at, ok := vm.tables.Lookup(0)
	vm.eptMu.Unlock()
	if want := (hostarch.AccessType{Read: true, Execute: true}); !ok || at != want {
		t.Errorf("leaf = %v, %v, want %v", at, ok, want)
	}
}

// modelSlot is the expected state of one slot.
type modelSlot struct {
	GPA, Size, HVA uint64
}

// TestSlotsNeverOverlap applies random requests and checks the slot set
// against a model after each one.
func TestSlotsNeverOverlap(t *testing.T) {
	h := newTestHost(t, testConfig())
	vm := newTestVM(t, h)
	rng := rand.New(rand.NewSource(1))
	model := make(map[uint32]modelSlot)

	for i := 0; i < 2000; i++ {
		id := uint32(rng.Intn(testConfig().MaxMemorySlots))
		m := kvm.UserspaceMemoryRegion{
			Slot:          id,
			GuestPhysAddr: uint64(rng.Intn(64)) << hostarch.PageShift,
			MemorySize:    uint64(rng.Intn(8)) << hostarch.PageShift,
			UserspaceAddr: 1<<32 + uint64(rng.Intn(2))<<24,
		}

		old, exists := model[id]
		wantErr := false
		switch {
		case m.MemorySize == 0:
			wantErr = !exists
		case exists && (old.Size != m.MemorySize || old.HVA != m.UserspaceAddr):
			wantErr = true
		default:
			for other, s := range model {
				if other != id && m.GuestPhysAddr < s.GPA+s.Size && s.GPA < m.GuestPhysAddr+m.MemorySize {
					wantErr = true
				}
			}
		}

		err := vm.SetMemoryRegion(&m)
		if wantErr {
			if !errors.Is(err, linuxerr.EINVAL) {
				t.Fatalf("step %d: SetMemoryRegion(%v) = %v, want EINVAL", i, m, err)
			}
		} else {
			if err != nil {
				t.Fatalf("step %d: SetMemoryRegion(%v) = %v", i, m, err)
			}
			if m.MemorySize == 0 {
				delete(model, id)
			} else {
				model[id] = modelSlot{GPA: m.GuestPhysAddr, Size: m.MemorySize, HVA: m.UserspaceAddr}
			}
		}

		got := make(map[uint32]modelSlot)
		slots := vm.Slots()
		for j, s := range slots {
			got[s.ID] = modelSlot{GPA: s.GPA, Size: s.Size, HVA: uint64(s.HVA)}
			if j > 0 && slots[j-1].End() > s.GPA {
				t.Fatalf("step %d: %v overlaps %v", i, slots[j-1], s)
			}
		}
		if diff := cmp.Diff(model, got); diff != "" {
			t.Fatalf("step %d: slots mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestSlotLookup(t *testing.T) {
	tbl := newSlotTable()
	for _, s := range []*MemorySlot{
		{ID: 0, GPA: 0x1000, Size: 0x2000},
		{ID: 1, GPA: 0x8000, Size: 0x1000},
	} {
		tbl.insert(s)
	}
	for _, tc := range []struct {
		gpa  uint64
		want int
	}{
		{0x0, -1},
		{0x1000, 0},
		{0x2fff, 0},
		{0x3000, -1},
		{0x8800, 1},
		{0x9000, -1},
	} {
		s := tbl.find(tc.gpa)
		got := -1
		if s != nil {
			got = int(s.ID)
		}
		if got != tc.want {
			t.Errorf("find(%#x) = slot %d, want %d", tc.gpa, got, tc.want)
		}
	}
	if s := tbl.overlapping(0x2000, 0x2000, 5); s == nil || s.ID != 0 {
		t.Errorf("overlapping([0x2000,0x4000)) = %v, want slot 0", s)
	}
	if s := tbl.overlapping(0x2000, 0x2000, 0); s != nil {
		t.Errorf("overlapping([0x2000,0x4000)) excluding slot 0 = %v, want none", s)
	}
	if s := tbl.overlapping(0x3000, 0x5000, 5); s != nil {
		t.Errorf("overlapping([0x3000,0x8000)) = %v, want none", s)
	}
}
