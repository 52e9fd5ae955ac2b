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


package main

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmx/pkg/hostmm"
	"gvisor.dev/vmx/pkg/kvm"
	"gvisor.dev/vmx/pkg/vmx/softvmx"
)

func TestLoadProgram(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{in: "cpuid", want: []byte{0x0f, 0xa2, 0xf4}},
		{in: "90 f4", want: []byte{0x90, 0xf4}},
		{in: "90f4", want: []byte{0x90, 0xf4}},
		{in: "nonsense", wantErr: true},
		{in: "", wantErr: true},
	} {
		got, err := loadProgram(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("loadProgram(%q) = %v, want error %t", tc.in, err, tc.wantErr)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("loadProgram(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestHelloProgram(t *testing.T) {
	want := []byte{
		0xb8, 'h', 0, 0, 0, 0xe6, debugPort,
		0xb8, 'i', 0, 0, 0, 0xe6, debugPort,
		0xf4,
	}
	if diff := cmp.Diff(want, helloProgram("hi")); diff != "" {
		t.Errorf("helloProgram mismatch (-want +got):\n%s", diff)
	}
}

// newMachine creates a VM holding prog on a two-CPU platform.
func newMachine(t *testing.T, prog []byte, vcpus int, dirtyLog bool) *machine {
	t.Helper()
	pm := hostmm.NewPhysicalMemory()
	as := hostmm.NewAddressSpace(pm)
	p := softvmx.New(2, pm)
	reg, err := kvm.NewRegistry(p, as, kvm.DefaultConfig())
	if err != nil {
		t.Fatalf("NewRegistry = %v", err)
	}
	m := &machine{
		as:       as,
		files:    &fdTable{files: make(map[int32]kvm.File)},
		cpus:     2,
		maxExits: 100,
		vcpus:    make([]*kvm.VCPUFile, vcpus),
	}
	t.Cleanup(func() {
		m.files.releaseAll()
		reg.Shutdown()
		if n := reg.NumVMs(); n != 0 {
			t.Errorf("%d VMs left after shutdown", n)
		}
	})
	if err := m.create(reg, prog, 4, dirtyLog); err != nil {
		t.Fatalf("create = %v", err)
	}
	return m
}

func TestRunPrograms(t *testing.T) {
	for _, tc := range []struct {
		program string
		wantErr string
	}{
		{program: "hello"},
		{program: "echo"},
		{program: "cpuid", wantErr: "unhandled exit CPUID"},
		{program: "mmio", wantErr: "MMIO read at 0x100000"},
		{program: "breakpoint", wantErr: "exception 3"},
	} {
		t.Run(tc.program, func(t *testing.T) {
			prog, err := loadProgram(tc.program)
			if err != nil {
				t.Fatalf("loadProgram = %v", err)
			}
			m := newMachine(t, prog, 1, false)
			err = m.runVCPU(context.Background(), 0)
			switch {
			case tc.wantErr == "" && err != nil:
				t.Errorf("runVCPU = %v", err)
			case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
				t.Errorf("runVCPU = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestRunConcurrentVCPUs(t *testing.T) {
	m := newMachine(t, helloProgram("hi\n"), 4, true)
	errs := make(chan error, 4)
	for id := 0; id < 4; id++ {
		go func() {
			errs <- m.runVCPU(context.Background(), id)
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-errs; err != nil {
			t.Errorf("runVCPU = %v", err)
		}
	}
	for id, f := range m.vcpus {
		s := f.VCPU().Stats().Snapshot()
		if s.IOExits != 3 {
			t.Errorf("vCPU %d: %d I/O exits, want 3", id, s.IOExits)
		}
	}
	m.report(true)
}

func TestDirtyPages(t *testing.T) {
	m := newMachine(t, []byte{
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xa3, 0x00, 0x20, 0x00, 0x00, // mov [0x2000], eax
		0xf4,                         // hlt
	}, 1, true)
	if err := m.runVCPU(context.Background(), 0); err != nil {
		t.Fatalf("runVCPU = %v", err)
	}
	dirty, err := m.dirtyPages()
	if err != nil {
		t.Fatalf("dirtyPages = %v", err)
	}
	if diff := cmp.Diff([]int{2}, dirty); diff != "" {
		t.Errorf("dirty pages mismatch (-want +got):\n%s", diff)
	}

	// The log was cleared by the first call.
	dirty, err = m.dirtyPages()
	if err != nil {
		t.Fatalf("dirtyPages = %v", err)
	}
	if len(dirty) != 0 {
		t.Errorf("dirty pages after clearing = %v, want none", dirty)
	}
}

func TestRunCanceled(t *testing.T) {
	m := newMachine(t, []byte{0xf4}, 1, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.runVCPU(ctx, 0); err != context.Canceled {
		t.Errorf("runVCPU = %v, want context.Canceled", err)
	}
}
