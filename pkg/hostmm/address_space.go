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

package hostmm

import (
	"fmt"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// mapping is one anonymous host mapping.
type mapping struct {
	ar  hostarch.AddrRange
	mem []byte

	// hpa is the host physical address of each page, or zero if the page
	// has not been resolved yet.
	hpa []uint64

	// pins is the pin count of each page.
	pins []int32
}

func (m *mapping) page(addr hostarch.Addr) int {
	return int((addr - m.ar.Start) / hostarch.PageSize)
}

func mappingLess(a, b *mapping) bool {
	return a.ar.Start < b.ar.Start
}

// AddressSpace is a set of host virtual mappings resolvable to host physical
// frames of a PhysicalMemory.
type AddressSpace struct {
	pm *PhysicalMemory

	mu sync.Mutex

	// mappings is ordered by start address.
	mappings *btree.BTreeG[*mapping]

	// pinned is the total number of pins held.
	pinned int64
}

// NewAddressSpace returns an empty address space over pm.
func NewAddressSpace(pm *PhysicalMemory) *AddressSpace {
	return &AddressSpace{
		pm:       pm,
		mappings: btree.NewG(8, mappingLess),
	}
}

// PhysicalMemory returns the frame table backing as.
func (as *AddressSpace) PhysicalMemory() *PhysicalMemory {
	return as.pm
}

// MapAnonymous creates a zeroed, readable and writable mapping of length
// bytes and returns its address. length is rounded up to a page.
func (as *AddressSpace) MapAnonymous(length uint64) (hostarch.Addr, error) {
	size, ok := hostarch.Addr(length).RoundUp()
	if !ok || size == 0 {
		return 0, linuxerr.EINVAL
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("failed to mmap %d bytes: %w", size, err)
	}
	start := hostarch.Addr(sliceBackingPointer(mem))
	if !start.IsPageAligned() {
		unix.Munmap(mem)
		return 0, fmt.Errorf("mapping at %#x is not page aligned", start)
	}
	pages := int(size / hostarch.PageSize)
	m := &mapping{
		ar:   hostarch.AddrRange{Start: start, End: start + size},
		mem:  mem,
		hpa:  make([]uint64, pages),
		pins: make([]int32, pages),
	}

	as.mu.Lock()
	as.mappings.ReplaceOrInsert(m)
	as.mu.Unlock()
	log.Debugf("Mapped anonymous host memory %v", m.ar)
	return start, nil
}

// findLocked returns the mapping containing addr.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) findLocked(addr hostarch.Addr) *mapping {
	var found *mapping
	as.mappings.DescendLessOrEqual(&mapping{ar: hostarch.AddrRange{Start: addr}}, func(m *mapping) bool {
		if m.ar.Contains(addr) {
			found = m
		}
		return false
	})
	return found
}

// Unmap removes the mapping starting at addr. It fails with EBUSY while any
// page of the mapping is pinned.
func (as *AddressSpace) Unmap(addr hostarch.Addr) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	m := as.findLocked(addr)
	if m == nil || m.ar.Start != addr {
		return fmt.Errorf("no mapping at %#x: %w", addr, linuxerr.EINVAL)
	}
	for i, n := range m.pins {
		if n != 0 {
			return fmt.Errorf("page %#x of %v pinned %d times: %w", m.ar.Start+hostarch.Addr(i)*hostarch.PageSize, m.ar, n, linuxerr.EBUSY)
		}
	}
	for _, hpa := range m.hpa {
		if hpa != 0 {
			as.pm.unmapFrame(hpa)
		}
	}
	as.mappings.Delete(m)
	if err := unix.Munmap(m.mem); err != nil {
		log.Warningf("munmap of %v failed: %v", m.ar, err)
	}
	return nil
}

// translateLocked resolves the page containing addr, populating it on first
// use.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) translateLocked(addr hostarch.Addr) (*mapping, int, error) {
	m := as.findLocked(addr)
	if m == nil {
		return nil, 0, fmt.Errorf("host address %#x not mapped: %w", addr, linuxerr.EFAULT)
	}
	i := m.page(addr)
	if m.hpa[i] == 0 {
		off := i * hostarch.PageSize
		hpa, err := as.pm.mapFrame(m.mem[off : off+hostarch.PageSize])
		if err != nil {
			return nil, 0, err
		}
		m.hpa[i] = hpa
	}
	return m, i, nil
}

// Translate returns the host physical address backing addr. The result is
// only stable while the page is pinned.
func (as *AddressSpace) Translate(addr hostarch.Addr) (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	m, i, err := as.translateLocked(addr)
	if err != nil {
		return 0, err
	}
	return m.hpa[i] + uint64(addr.PageOffset()), nil
}

// Pin resolves the page containing addr and takes a reference on it. The
// mapping cannot be removed until every pin is dropped by Unpin.
func (as *AddressSpace) Pin(addr hostarch.Addr) (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	m, i, err := as.translateLocked(addr)
	if err != nil {
		return 0, err
	}
	m.pins[i]++
	as.pinned++
	return m.hpa[i], nil
}

// Unpin drops a reference taken by Pin.
func (as *AddressSpace) Unpin(addr hostarch.Addr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	m := as.findLocked(addr)
	if m == nil {
		panic(fmt.Sprintf("Unpin(%#x): not mapped", addr))
	}
	i := m.page(addr)
	if m.pins[i] == 0 {
		panic(fmt.Sprintf("Unpin(%#x): page not pinned", addr))
	}
	m.pins[i]--
	as.pinned--
}

// PinCount returns the pin count of the page containing addr.
func (as *AddressSpace) PinCount(addr hostarch.Addr) int {
	as.mu.Lock()
	defer as.mu.Unlock()
	m := as.findLocked(addr)
	if m == nil {
		return 0
	}
	return int(m.pins[m.page(addr)])
}

// Pinned returns the total number of pins held in as.
func (as *AddressSpace) Pinned() int64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pinned
}

// Contains returns true if every byte of ar is mapped.
func (as *AddressSpace) Contains(ar hostarch.AddrRange) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	for addr := ar.Start; addr < ar.End; {
		m := as.findLocked(addr)
		if m == nil {
			return false
		}
		addr = m.ar.End
	}
	return true
}

// CopyIn copies len(dst) bytes at addr into dst.
func (as *AddressSpace) CopyIn(addr hostarch.Addr, dst []byte) error {
	return as.copy(addr, dst, false)
}

// CopyOut copies src to addr.
func (as *AddressSpace) CopyOut(addr hostarch.Addr, src []byte) error {
	return as.copy(addr, src, true)
}

func (as *AddressSpace) copy(addr hostarch.Addr, buf []byte, out bool) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	for len(buf) > 0 {
		m := as.findLocked(addr)
		if m == nil {
			return fmt.Errorf("host address %#x not mapped: %w", addr, linuxerr.EFAULT)
		}
		mem := m.mem[addr-m.ar.Start:]
		var n int
		if out {
			n = copy(mem, buf)
		} else {
			n = copy(buf, mem)
		}
		buf = buf[n:]
		addr += hostarch.Addr(n)
	}
	return nil
}
