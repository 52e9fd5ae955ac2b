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

package vmx

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

// Features describes the virtualization support of a host.
type Features struct {
	// VMX is CPUID.1:ECX.VMX.
	VMX bool

	// InvariantTSC is CPUID.80000007H:EDX[8] as the host kernel reports it:
	// both constant_tsc and nonstop_tsc in /proc/cpuinfo. cpuid.Native does
	// not execute that leaf.
	InvariantTSC bool

	// VirtualNMIs, EPT, VPID and UnrestrictedGuest mirror the
	// corresponding allowed-1 control bits.
	VirtualNMIs       bool
	EPT               bool
	VPID              bool
	UnrestrictedGuest bool
}

// Check returns ENODEV if f lacks anything required to run guests.
func (f Features) Check(requireInvariantTSC bool) error {
	switch {
	case !f.VMX:
		return fmt.Errorf("vmx not supported: %w", linuxerr.ENODEV)
	case !f.EPT:
		return fmt.Errorf("ept not supported: %w", linuxerr.ENODEV)
	case requireInvariantTSC && !f.InvariantTSC:
		return fmt.Errorf("invariant tsc not supported: %w", linuxerr.ENODEV)
	}
	return nil
}

// String implements fmt.Stringer.
func (f Features) String() string {
	var b strings.Builder
	for _, c := range []struct {
		name string
		on   bool
	}{
		{"vmx", f.VMX},
		{"invariant_tsc", f.InvariantTSC},
		{"vnmi", f.VirtualNMIs},
		{"ept", f.EPT},
		{"vpid", f.VPID},
		{"unrestricted_guest", f.UnrestrictedGuest},
	} {
		if !c.on {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(c.name)
	}
	if b.Len() == 0 {
		return "none"
	}
	return b.String()
}

// cpuinfoFlags returns the "flags" and "vmx flags" of the first processor in
// a /proc/cpuinfo style stream.
func cpuinfoFlags(r io.Reader) map[string]bool {
	flags := make(map[string]bool)
	s := bufio.NewScanner(r)
	seen := false
	for s.Scan() {
		line := s.Text()
		if strings.TrimSpace(line) == "" {
			if seen {
				break
			}
			continue
		}
		seen = true
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "flags", "vmx flags":
			for _, f := range strings.Fields(value) {
				flags[f] = true
			}
		}
	}
	return flags
}

// featuresFromCPUInfo fills the secondary capabilities from the flags the
// host kernel reports. Linux reports the invariant TSC bit as the pair
// constant_tsc and nonstop_tsc.
func featuresFromCPUInfo(f *Features, r io.Reader) {
	flags := cpuinfoFlags(r)
	f.InvariantTSC = flags["constant_tsc"] && flags["nonstop_tsc"]
	f.VirtualNMIs = flags["vnmi"]
	f.EPT = flags["ept"]
	f.VPID = flags["vpid"]
	f.UnrestrictedGuest = flags["unrestricted_guest"]
	if flags["vmx"] {
		f.VMX = true
	}
}
