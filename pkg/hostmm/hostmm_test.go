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
	"bytes"
	"errors"
	"testing"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
)

func TestAllocFrame(t *testing.T) {
	pm := NewPhysicalMemory()
	pm.SetFrameLimit(2)
	a, err := pm.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame = %v", err)
	}
	b, err := pm.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame = %v", err)
	}
	if a == 0 || b == 0 || a == b || a%hostarch.PageSize != 0 {
		t.Fatalf("AllocFrame returned %#x and %#x", a, b)
	}
	if _, err := pm.AllocFrame(); !errors.Is(err, linuxerr.ENOMEM) {
		t.Errorf("AllocFrame past limit = %v, want ENOMEM", err)
	}

	if err := pm.WriteAt(a+8, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteAt = %v", err)
	}
	got := make([]byte, 3)
	if err := pm.ReadAt(a+8, got); err != nil || !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("ReadAt = %v, %v", got, err)
	}
	if err := pm.ReadAt(a+hostarch.PageSize-1, got); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("ReadAt across a page = %v, want EFAULT", err)
	}

	pm.FreeFrame(a)
	pm.FreeFrame(b)
	if n := pm.TableFrames(); n != 0 {
		t.Errorf("TableFrames = %d after free, want 0", n)
	}
	if _, err := pm.Frame(a); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("Frame of freed frame = %v, want EFAULT", err)
	}
	c, err := pm.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame after free = %v", err)
	}
	page, _ := pm.Frame(c)
	for i, v := range page {
		if v != 0 {
			t.Fatalf("reused frame not zeroed at %d", i)
		}
	}
}

func TestTranslateAliasesMapping(t *testing.T) {
	pm := NewPhysicalMemory()
	as := NewAddressSpace(pm)
	hva, err := as.MapAnonymous(2 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("MapAnonymous = %v", err)
	}
	defer as.Unmap(hva)

	if err := as.CopyOut(hva+hostarch.PageSize+16, []byte("guest")); err != nil {
		t.Fatalf("CopyOut = %v", err)
	}
	hpa, err := as.Translate(hva + hostarch.PageSize + 16)
	if err != nil {
		t.Fatalf("Translate = %v", err)
	}
	got := make([]byte, 5)
	if err := pm.ReadAt(hpa, got); err != nil || string(got) != "guest" {
		t.Errorf("ReadAt(%#x) = %q, %v, want \"guest\"", hpa, got, err)
	}

	// Writes through the frame are visible at the host address.
	if err := pm.WriteAt(hpa, []byte("GUEST")); err != nil {
		t.Fatalf("WriteAt = %v", err)
	}
	if err := as.CopyIn(hva+hostarch.PageSize+16, got); err != nil || string(got) != "GUEST" {
		t.Errorf("CopyIn = %q, %v, want \"GUEST\"", got, err)
	}

	again, _ := as.Translate(hva + hostarch.PageSize)
	if again != hpa-16 {
		t.Errorf("Translate is not stable: %#x then %#x", hpa-16, again)
	}
	if _, err := as.Translate(hva + 2*hostarch.PageSize); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("Translate past the mapping = %v, want EFAULT", err)
	}
}

func TestPinBlocksUnmap(t *testing.T) {
	as := NewAddressSpace(NewPhysicalMemory())
	hva, err := as.MapAnonymous(hostarch.PageSize)
	if err != nil {
		t.Fatalf("MapAnonymous = %v", err)
	}
	if _, err := as.Pin(hva); err != nil {
		t.Fatalf("Pin = %v", err)
	}
	if _, err := as.Pin(hva + 100); err != nil {
		t.Fatalf("Pin = %v", err)
	}
	if n := as.PinCount(hva); n != 2 {
		t.Errorf("PinCount = %d, want 2", n)
	}
	if err := as.Unmap(hva); !errors.Is(err, linuxerr.EBUSY) {
		t.Errorf("Unmap while pinned = %v, want EBUSY", err)
	}
	as.Unpin(hva)
	if err := as.Unmap(hva); !errors.Is(err, linuxerr.EBUSY) {
		t.Errorf("Unmap while pinned once = %v, want EBUSY", err)
	}
	as.Unpin(hva)
	if n := as.Pinned(); n != 0 {
		t.Errorf("Pinned = %d, want 0", n)
	}
	if err := as.Unmap(hva); err != nil {
		t.Errorf("Unmap = %v", err)
	}
	if as.Contains(hostarch.AddrRange{Start: hva, End: hva + hostarch.PageSize}) {
		t.Errorf("mapping still present after Unmap")
	}
	if err := as.Unmap(hva); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("second Unmap = %v, want EINVAL", err)
	}
}
