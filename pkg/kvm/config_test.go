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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kvm.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile = %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
max_vcpus = 8
max_fault_retries = 2
eager_map = true
`)
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig = %v", err)
	}
	want := DefaultConfig()
	want.MaxVCPUs = 8
	want.MaxFaultRetries = 2
	want.EagerMap = true
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{"unknown key", "max_vcpu = 1\n"},
		{"zero vcpus", "max_vcpus = 0\n"},
		{"negative retries", "max_fault_retries = -1\n"},
		{"too many slots", "max_memory_slots = 65537\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tc.contents)); !errors.Is(err, linuxerr.EINVAL) {
				t.Errorf("LoadConfig = %v, want EINVAL", err)
			}
		})
	}
}

func TestLoadConfigMissing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("LoadConfig of missing file succeeded")
	}
}

func TestNewRegistryRejectsConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemorySlots = 0
	if _, err := NewRegistry(nil, nil, cfg); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("NewRegistry = %v, want EINVAL", err)
	}
}
