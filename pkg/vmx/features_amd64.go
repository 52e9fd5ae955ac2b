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

//go:build amd64
// +build amd64

package vmx

import (
	"os"

	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/gvisor/pkg/log"
)

// cpuidVMX is CPUID.1:ECX.VMX.
const cpuidVMX = 1 << 5

// HostFeatures reports the virtualization support of the running host.
func HostFeatures() Features {
	var f Features
	out := (&cpuid.Native{}).Query(cpuid.In{Eax: 1})
	f.VMX = out.Ecx&cpuidVMX != 0

	cpuinfo, err := os.Open("/proc/cpuinfo")
	if err != nil {
		log.Warningf("Unable to read /proc/cpuinfo: %v", err)
		return f
	}
	defer cpuinfo.Close()
	featuresFromCPUInfo(&f, cpuinfo)
	return f
}
