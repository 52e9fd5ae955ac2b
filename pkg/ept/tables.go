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

package ept

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
)

// Memory provides the frames holding the tables.
type Memory interface {
	// AllocFrame returns a zeroed frame, or ENOMEM.
	AllocFrame() (uint64, error)

	// FreeFrame releases a frame returned by AllocFrame.
	FreeFrame(hpa uint64)

	// Frame returns the page at hpa.
	Frame(hpa uint64) ([]byte, error)
}

// Entry bits.
const (
	entryRead    = 1 << 0
	entryWrite   = 1 << 1
	entryExecute = 1 << 2
	entryRWX     = entryRead | entryWrite | entryExecute

	// entryMemTypeWB is write-back memory type for leaf entries.
	entryMemTypeWB = 6 << 3

	entryAddrMask = 0x000f_ffff_ffff_f000
)

// Levels is the number of paging-structure levels.
const Levels = 4

const (
	entriesPerTable = 512
	entrySize       = 8
	levelBits       = 9

	// MaxGuestPhysAddr is one past the highest address the tables can map.
	MaxGuestPhysAddr = 1 << (hostarch.PageShift + Levels*levelBits)
)

// EPTP memory type and walk length fields.
const (
	eptpMemTypeWB    = 6
	eptpWalkLenShift = 3
)

// Tables is a set of 4-level extended page tables mapping 4K pages.
//
// Tables is not synchronized. Callers serialize updates and exclude walks
// that race with them.
type Tables struct {
	mem Memory

	// root is the host physical address of the PML4.
	root uint64

	// frames is the number of table frames, including root.
	frames int

	// leaves is the number of present leaf entries.
	leaves int
}

// New allocates an empty set of tables.
func New(mem Memory) (*Tables, error) {
	root, err := mem.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("allocating EPT root: %w", err)
	}
	return &Tables{mem: mem, root: root, frames: 1}, nil
}

// Root returns the host physical address of the PML4.
func (t *Tables) Root() uint64 {
	return t.root
}

// EPTP returns the EPT pointer for the VMCS: write-back, 4-level walk.
func (t *Tables) EPTP() uint64 {
	return t.root | (Levels-1)<<eptpWalkLenShift | eptpMemTypeWB
}

// Frames returns the number of table frames in use.
func (t *Tables) Frames() int {
	return t.frames
}

// Leaves returns the number of present leaf entries.
func (t *Tables) Leaves() int {
	return t.leaves
}

func index(gpa uint64, level int) int {
	shift := hostarch.PageShift + uint(level)*levelBits
	return int(gpa>>shift) & (entriesPerTable - 1)
}

func (t *Tables) entry(table uint64, i int) (uint64, error) {
	page, err := t.mem.Frame(table)
	if err != nil {
		return 0, err
	}
	return hostarch.ByteOrder.Uint64(page[i*entrySize:]), nil
}

func (t *Tables) setEntry(table uint64, i int, e uint64) error {
	page, err := t.mem.Frame(table)
	if err != nil {
		return err
	}
	hostarch.ByteOrder.PutUint64(page[i*entrySize:], e)
	return nil
}

// walk returns the page table holding the leaf for gpa. If alloc is set,
// missing tables are allocated; otherwise a missing table yields zero.
func (t *Tables) walk(gpa uint64, alloc bool) (uint64, error) {
	table := t.root
	for level := Levels - 1; level > 0; level-- {
		i := index(gpa, level)
		e, err := t.entry(table, i)
		if err != nil {
			return 0, err
		}
		if e&entryRWX == 0 {
			if !alloc {
				return 0, nil
			}
			next, err := t.mem.AllocFrame()
			if err != nil {
				return 0, fmt.Errorf("allocating EPT level %d table for %#x: %w", level, gpa, err)
			}
			t.frames++
			e = next | entryRWX
			if err := t.setEntry(table, i, e); err != nil {
				return 0, err
			}
		}
		table = e & entryAddrMask
	}
	return table, nil
}

func accessBits(at hostarch.AccessType) uint64 {
	var bits uint64
	if at.Read {
		bits |= entryRead
	}
	if at.Write {
		bits |= entryWrite
	}
	if at.Execute {
		bits |= entryExecute
	}
	return bits
}

func accessType(e uint64) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    e&entryRead != 0,
		Write:   e&entryWrite != 0,
		Execute: e&entryExecute != 0,
	}
}

func checkGPA(gpa uint64) error {
	if gpa&(hostarch.PageSize-1) != 0 || gpa >= MaxGuestPhysAddr {
		return fmt.Errorf("guest physical address %#x: %w", gpa, linuxerr.EINVAL)
	}
	return nil
}

// Map installs a leaf mapping the page at gpa to the frame at hpa, replacing
// any previous leaf. Intermediate tables are allocated as needed; ENOMEM is
// returned if that fails.
//
// Write access without read access is an EPT misconfiguration and is
// rejected with EINVAL, as is an access type with no permission.
func (t *Tables) Map(gpa, hpa uint64, at hostarch.AccessType) error {
	if err := checkGPA(gpa); err != nil {
		return err
	}
	if hpa&^entryAddrMask != 0 {
		return fmt.Errorf("host physical address %#x: %w", hpa, linuxerr.EINVAL)
	}
	if !at.Any() || (at.Write && !at.Read) {
		return fmt.Errorf("access %v: %w", at, linuxerr.EINVAL)
	}
	pt, err := t.walk(gpa, true)
	if err != nil {
		return err
	}
	i := index(gpa, 0)
	old, err := t.entry(pt, i)
	if err != nil {
		return err
	}
	if old&entryRWX == 0 {
		t.leaves++
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("EPT map gpa %#x -> hpa %#x %v", gpa, hpa, at)
	}
	return t.setEntry(pt, i, hpa|entryMemTypeWB|accessBits(at))
}

// Protect changes the access of an existing leaf. It returns false if gpa
// is not mapped.
func (t *Tables) Protect(gpa uint64, at hostarch.AccessType) (bool, error) {
	if err := checkGPA(gpa); err != nil {
		return false, err
	}
	if !at.Any() || (at.Write && !at.Read) {
		return false, fmt.Errorf("access %v: %w", at, linuxerr.EINVAL)
	}
	pt, err := t.walk(gpa, false)
	if err != nil || pt == 0 {
		return false, err
	}
	i := index(gpa, 0)
	e, err := t.entry(pt, i)
	if err != nil || e&entryRWX == 0 {
		return false, err
	}
	return true, t.setEntry(pt, i, e&^entryRWX|accessBits(at))
}

// Unmap clears the leaf for gpa and returns the frame it pointed to. ok is
// false if gpa was not mapped.
func (t *Tables) Unmap(gpa uint64) (hpa uint64, ok bool, err error) {
	if err := checkGPA(gpa); err != nil {
		return 0, false, err
	}
	pt, err := t.walk(gpa, false)
	if err != nil || pt == 0 {
		return 0, false, err
	}
	i := index(gpa, 0)
	e, err := t.entry(pt, i)
	if err != nil || e&entryRWX == 0 {
		return 0, false, err
	}
	if err := t.setEntry(pt, i, 0); err != nil {
		return 0, false, err
	}
	t.leaves--
	return e & entryAddrMask, true, nil
}

// Lookup returns the frame and access of the leaf for gpa. ok is false if
// gpa is not mapped. The page offset of gpa is carried into hpa.
func (t *Tables) Lookup(gpa uint64) (hpa uint64, at hostarch.AccessType, ok bool) {
	return Resolve(t.mem, t.EPTP(), gpa)
}

// Resolve translates gpa through the tables referenced by eptp, the way the
// processor walks them. The access is the intersection of the permissions
// at every level.
func Resolve(mem Memory, eptp, gpa uint64) (hpa uint64, at hostarch.AccessType, ok bool) {
	if gpa >= MaxGuestPhysAddr {
		return 0, hostarch.NoAccess, false
	}
	table := eptp & entryAddrMask
	perm := uint64(entryRWX)
	for level := Levels - 1; level >= 0; level-- {
		page, err := mem.Frame(table)
		if err != nil {
			return 0, hostarch.NoAccess, false
		}
		e := hostarch.ByteOrder.Uint64(page[index(gpa, level)*entrySize:])
		if e&entryRWX == 0 {
			return 0, hostarch.NoAccess, false
		}
		perm &= e
		table = e & entryAddrMask
	}
	return table | gpa&(hostarch.PageSize-1), accessType(perm), true
}

// Free releases every table frame, including the root. The tables must not
// be used afterwards.
func (t *Tables) Free() {
	t.free(t.root, Levels-1)
	t.root = 0
	t.frames = 0
	t.leaves = 0
}

func (t *Tables) free(table uint64, level int) {
	if level > 0 {
		for i := 0; i < entriesPerTable; i++ {
			e, err := t.entry(table, i)
			if err != nil {
				log.Warningf("EPT table %#x unreadable: %v", table, err)
				break
			}
			if e&entryRWX != 0 {
				t.free(e&entryAddrMask, level-1)
			}
		}
	}
	t.mem.FreeFrame(table)
}

// Walk calls fn for every present leaf in ascending gpa order.
func (t *Tables) Walk(fn func(gpa, hpa uint64, at hostarch.AccessType)) {
	t.walkTable(t.root, Levels-1, 0, fn)
}

func (t *Tables) walkTable(table uint64, level int, base uint64, fn func(gpa, hpa uint64, at hostarch.AccessType)) {
	shift := hostarch.PageShift + uint(level)*levelBits
	for i := 0; i < entriesPerTable; i++ {
		e, err := t.entry(table, i)
		if err != nil {
			return
		}
		if e&entryRWX == 0 {
			continue
		}
		gpa := base | uint64(i)<<shift
		if level == 0 {
			fn(gpa, e&entryAddrMask, accessType(e))
			continue
		}
		t.walkTable(e&entryAddrMask, level-1, gpa, fn)
	}
}
