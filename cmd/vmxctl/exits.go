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
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/vmx/pkg/ept"
	"gvisor.dev/vmx/pkg/vmx"
)

// Exits implements subcommands.Command for the "exits" command.
type Exits struct {
	qual bool
}

// Name implements subcommands.Command.Name.
func (*Exits) Name() string {
	return "exits"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Exits) Synopsis() string {
	return "print the VMX exit reason table or decode raw exit values"
}

// Usage implements subcommands.Command.Usage.
func (*Exits) Usage() string {
	return `exits [-qual] [value...]

With no values, prints every defined basic exit reason. Otherwise decodes each
value as a raw exit reason, or with -qual as an EPT violation qualification.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Exits) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&e.qual, "qual", false, "decode values as EPT violation exit qualifications.")
}

// Execute implements subcommands.Command.Execute.
func (e *Exits) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		if e.qual {
			f.Usage()
			return subcommands.ExitUsageError
		}
		for code := 0; code <= int(vmx.MaxBasicExitReason); code++ {
			if b := vmx.DecodeBasic(uint16(code)); b != vmx.ExitUnknown {
				fmt.Printf("%3d  %v\n", code, b)
			}
		}
		return subcommands.ExitSuccess
	}
	for _, arg := range f.Args() {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return Errorf("invalid value %q: %v", arg, err)
		}
		if e.qual {
			q := ept.ViolationQual(v)
			fmt.Printf("%#x: read=%t write=%t fetch=%t present=%t nmi_unblocking=%t error_code=%v\n",
				v, q.Read(), q.Write(), q.Instr(), q.Present(), q.NMIUnblocking(), q.ErrorCode())
			continue
		}
		if v > 0xffffffff {
			return Errorf("exit reason %#x does not fit in 32 bits", v)
		}
		fmt.Printf("%#x: %v\n", v, vmx.ExitReason(v))
	}
	return subcommands.ExitSuccess
}
