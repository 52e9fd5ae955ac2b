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

// Package hostmm is the host memory manager seen by the virtualization core.
//
// It provides host virtual mappings (HVA), their resolution to host physical
// frames (HPA), page pinning, and zeroed frames for page tables. Host
// physical addresses are assigned by this package and are only meaningful
// to the PhysicalMemory that issued them.
package hostmm

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// physBase is the first host physical address handed out. Zero is never a
// valid frame.
const physBase = 1 << 20

// MaxPhysAddr bounds every host physical address (52 bits).
const MaxPhysAddr = 1 << 52

// frameKind distinguishes frames backed by a host mapping from frames
// allocated for page tables.
type frameKind int

const (
	frameTable frameKind = iota
	frameMapped
)

type frame struct {
	kind frameKind
	data []byte
}

// PhysicalMemory is the host physical frame table.
//
// Frames are either page-table frames returned by AllocFrame, or aliases of
// host virtual pages created by AddressSpace.Translate.
type PhysicalMemory struct {
	mu sync.Mutex

	// frames is keyed by page-aligned host physical address.
	frames map[uint64]*frame

	// free holds released addresses for reuse.
	free []uint64

	// next is the next never-used host physical address.
	next uint64

	// tableFrames is the number of live page-table frames.
	tableFrames int

	// frameLimit is the maximum number of page-table frames, or zero for
	// no limit.
	frameLimit int
}

// NewPhysicalMemory returns an empty frame table.
func NewPhysicalMemory() *PhysicalMemory {
	return &PhysicalMemory{
		frames: make(map[uint64]*frame),
		next:   physBase,
	}
}

// SetFrameLimit bounds the number of page-table frames that may be live at
// once. AllocFrame fails with ENOMEM beyond it. Zero removes the bound.
func (pm *PhysicalMemory) SetFrameLimit(n int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.frameLimit = n
}

// TableFrames returns the number of live page-table frames.
func (pm *PhysicalMemory) TableFrames() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.tableFrames
}

// allocAddrLocked returns an unused host physical address.
//
// Preconditions: pm.mu is locked.
func (pm *PhysicalMemory) allocAddrLocked() (uint64, error) {
	if n := len(pm.free); n > 0 {
		hpa := pm.free[n-1]
		pm.free = pm.free[:n-1]
		return hpa, nil
	}
	if pm.next >= MaxPhysAddr {
		return 0, linuxerr.ENOMEM
	}
	hpa := pm.next
	pm.next += hostarch.PageSize
	return hpa, nil
}

// AllocFrame returns a zeroed page-table frame.
func (pm *PhysicalMemory) AllocFrame() (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.frameLimit != 0 && pm.tableFrames >= pm.frameLimit {
		return 0, fmt.Errorf("page table frame limit %d reached: %w", pm.frameLimit, linuxerr.ENOMEM)
	}
	hpa, err := pm.allocAddrLocked()
	if err != nil {
		return 0, err
	}
	pm.frames[hpa] = &frame{
		kind: frameTable,
		data: make([]byte, hostarch.PageSize),
	}
	pm.tableFrames++
	return hpa, nil
}

// FreeFrame releases a frame returned by AllocFrame.
func (pm *PhysicalMemory) FreeFrame(hpa uint64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	f, ok := pm.frames[hpa]
	if !ok || f.kind != frameTable {
		panic(fmt.Sprintf("FreeFrame(%#x): not a page table frame", hpa))
	}
	delete(pm.frames, hpa)
	pm.free = append(pm.free, hpa)
	pm.tableFrames--
}

// mapFrame registers data as the frame backing a host virtual page.
func (pm *PhysicalMemory) mapFrame(data []byte) (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	hpa, err := pm.allocAddrLocked()
	if err != nil {
		return 0, err
	}
	pm.frames[hpa] = &frame{kind: frameMapped, data: data}
	return hpa, nil
}

// unmapFrame drops a frame registered by mapFrame.
func (pm *PhysicalMemory) unmapFrame(hpa uint64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if f, ok := pm.frames[hpa]; ok && f.kind == frameMapped {
		delete(pm.frames, hpa)
		pm.free = append(pm.free, hpa)
	}
}

// Frame returns the page containing hpa.
func (pm *PhysicalMemory) Frame(hpa uint64) ([]byte, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	f, ok := pm.frames[uint64(hostarch.Addr(hpa).RoundDown())]
	if !ok {
		if log.IsLogging(log.Debug) {
			log.Debugf("Access to unbacked host physical address %#x", hpa)
		}
		return nil, fmt.Errorf("host physical address %#x: %w", hpa, linuxerr.EFAULT)
	}
	return f.data, nil
}

// ReadAt copies len(dst) bytes at hpa into dst. The access may not cross a
// page boundary.
func (pm *PhysicalMemory) ReadAt(hpa uint64, dst []byte) error {
	page, err := pm.Frame(hpa)
	if err != nil {
		return err
	}
	off := hpa & (hostarch.PageSize - 1)
	if off+uint64(len(dst)) > hostarch.PageSize {
		return fmt.Errorf("read of %d bytes at %#x crosses a page: %w", len(dst), hpa, linuxerr.EFAULT)
	}
	copy(dst, page[off:])
	return nil
}

// WriteAt copies src to hpa. The access may not cross a page boundary.
func (pm *PhysicalMemory) WriteAt(hpa uint64, src []byte) error {
	page, err := pm.Frame(hpa)
	if err != nil {
		return err
	}
	off := hpa & (hostarch.PageSize - 1)
	if off+uint64(len(src)) > hostarch.PageSize {
		return fmt.Errorf("write of %d bytes at %#x crosses a page: %w", len(src), hpa, linuxerr.EFAULT)
	}
	copy(page[off:], src)
	return nil
}
