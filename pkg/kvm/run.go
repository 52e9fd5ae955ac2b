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

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmx/pkg/abi/kvm"
	"gvisor.dev/vmx/pkg/vmx"
)

// Run enters the guest on the calling thread and returns once an exit needs
// userspace. The exit is described by the run page.
//
// A non-nil error means the vCPU could not continue: EINTR if
// immediate_exit was set, EBADF if the VM was killed, EFAULT if a fault made
// no progress, or a VMX instruction failure.
func (c *VCPU) Run(t Thread) error {
	put, err := c.get(t)
	if err != nil {
		return err
	}
	defer put()

	c.run.UnmarshalInput(c.runPage)
	defer c.run.MarshalBytes(c.runPage)

	if c.run.ImmediateExit != 0 {
		return linuxerr.EINTR
	}
	if err := c.completeIO(); err != nil {
		return err
	}
	for {
		if c.vm.Dead() {
			return linuxerr.EBADF
		}
		reason, err := c.enterGuest()
		if err != nil {
			return err
		}
		res := c.HandleExit(reason)
		switch res.Outcome {
		case Handled:
			if res.Action == ActionResume {
				continue
			}
			return nil
		case Unhandled:
			return c.escalate(reason)
		default:
			log.Warningf("vCPU %d: exit %v: %v", c.id, reason, res.Err)
			return res.Err
		}
	}
}

// escalate reports an exit that the dispatcher does not handle.
func (c *VCPU) escalate(reason vmx.ExitReason) error {
	switch reason.Basic() {
	case vmx.ExitHLT:
		c.run.ExitReason = kvm.EXIT_HLT
		return c.skipInstruction()
	case vmx.ExitTripleFault:
		c.run.ExitReason = kvm.EXIT_SHUTDOWN
	default:
		c.run.ExitReason = kvm.EXIT_UNKNOWN
		c.run.HardwareExitReason = uint64(reason.BasicCode())
	}
	return nil
}

// skipInstruction moves RIP past the instruction that caused the exit.
func (c *VCPU) skipInstruction() error {
	n, err := c.ops().Read(vmx.ExitInstructionLength)
	if err != nil {
		return err
	}
	rip, err := c.cachedReg(cacheRIP)
	if err != nil {
		return err
	}
	c.setCachedReg(cacheRIP, rip+n)
	return nil
}

// enterGuest runs the guest until its next exit and returns the exit
// reason. Local interrupts stay enabled; a host interrupt ends the entry
// with an external-interrupt exit.
func (c *VCPU) enterGuest() (vmx.ExitReason, error) {
	if err := c.flushRegs(); err != nil {
		return 0, err
	}
	hw := c.hw()
	if gen := c.vm.flushGen.Load(); c.flushedGen != gen {
		if err := hw.InvEPT(vmx.InvEPTSingleContext, c.vm.eptp()); err != nil {
			return 0, fmt.Errorf("vCPU %d: %w", c.id, err)
		}
		c.flushedGen = gen
	}

	var err error
	if c.launched {
		err = hw.VMResume(&c.regs)
	} else {
		err = hw.VMLaunch(&c.regs)
	}
	c.cache = regCache{}
	if err != nil {
		log.Warningf("vCPU %d: VM entry on CPU %d: %v", c.id, c.cpu, err)
		return 0, fmt.Errorf("vCPU %d: %w", c.id, err)
	}
	reason, err := c.ops().ExitReason()
	if err != nil {
		return 0, err
	}
	if !reason.FailedVMEntry() {
		c.launched = true
	}
	return reason, nil
}
