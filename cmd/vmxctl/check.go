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
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/softvmx"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	requireTSC bool
	soft       bool
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "report whether the host can run guests"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [flags]

Prints the VMX capabilities of the host and fails with ENODEV if VMX, EPT or
(unless disabled) an invariant TSC is missing.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.requireTSC, "require-invariant-tsc", true, "fail on hosts without an invariant TSC.")
	f.BoolVar(&c.soft, "soft", false, "check the software VMX platform instead of the host.")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	features := vmx.HostFeatures()
	if c.soft {
		features = softvmx.FullFeatures()
	}
	fmt.Printf("features: %v\n", features)
	if err := features.Check(c.requireTSC); err != nil {
		return Errorf("host cannot run guests: %v", err)
	}
	fmt.Println("ok")
	return subcommands.ExitSuccess
}
