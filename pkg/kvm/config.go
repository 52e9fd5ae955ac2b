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
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

// Config holds the limits and policies of a Registry.
type Config struct {
	// MaxVCPUs is the number of vCPUs a VM may create.
	MaxVCPUs int `toml:"max_vcpus"`

	// MaxMemorySlots bounds the slot index of SET_USER_MEMORY_REGION.
	MaxMemorySlots int `toml:"max_memory_slots"`

	// MaxFaultRetries is the number of consecutive EPT violations on the
	// same guest-physical address after which a fault is reported as an
	// error instead of being retried.
	MaxFaultRetries int `toml:"max_fault_retries"`

	// EagerMap builds EPT leaves for a whole slot when it is installed
	// rather than on the first EPT violation in each page.
	EagerMap bool `toml:"eager_map"`

	// RequireInvariantTSC makes /dev/kvm unavailable on hosts without an
	// invariant TSC.
	RequireInvariantTSC bool `toml:"require_invariant_tsc"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		MaxVCPUs:            64,
		MaxMemorySlots:      32764,
		MaxFaultRetries:     8,
		EagerMap:            false,
		RequireInvariantTSC: true,
	}
}

// Validate returns EINVAL if a limit is unusable.
func (c Config) Validate() error {
	switch {
	case c.MaxVCPUs <= 0:
		return fmt.Errorf("max_vcpus %d: %w", c.MaxVCPUs, linuxerr.EINVAL)
	case c.MaxMemorySlots <= 0 || c.MaxMemorySlots > 1<<16:
		return fmt.Errorf("max_memory_slots %d: %w", c.MaxMemorySlots, linuxerr.EINVAL)
	case c.MaxFaultRetries <= 0:
		return fmt.Errorf("max_fault_retries %d: %w", c.MaxFaultRetries, linuxerr.EINVAL)
	}
	return nil
}

// LoadConfig reads a TOML file over DefaultConfig. Keys missing from the file
// keep their default; unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("loading %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("loading %q: unknown keys %s: %w", path, strings.Join(keys, ", "), linuxerr.EINVAL)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("loading %q: %w", path, err)
	}
	return c, nil
}
