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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/trapcore/pkg/abi/kabi"
	"gvisor.dev/trapcore/pkg/boot"
	"gvisor.dev/trapcore/pkg/cpu"
	"gvisor.dev/trapcore/pkg/ktrace"
	"gvisor.dev/trapcore/pkg/ring0"
	"gvisor.dev/trapcore/pkg/sentry/kernel"
	"gvisor.dev/trapcore/pkg/sentry/mm"
	"gvisor.dev/trapcore/pkg/sentry/trap"
	"gvisor.dev/trapcore/trapsim/config"
)

// Case is a fault scenario run on a freshly booted machine.
type Case struct {
	ID          string
	Name        string
	Description string

	// run raises the faults. It runs until the machine halts or returns.
	run func(m *boot.Machine) error

	// check verifies the end state and describes it.
	check func(m *boot.Machine, halt *cpu.HaltedError, console string) (string, error)
}

// Outcome is the result of a scenario.
type Outcome struct {
	Case Case

	// Halt is the halt reason, or "" if the machine kept running.
	Halt string

	Detail  string
	Console string
	Err     error
}

// Passed returns true if the scenario ended as expected.
func (o Outcome) Passed() bool {
	return o.Err == nil
}

const (
	userAddr = 0x0804a000
	userEIP  = 0x08048010
)

// startProcess creates a process with one thread and makes it current.
func startProcess(m *boot.Machine, name string) (*kernel.Thread, error) {
	k := m.Kernel()
	k.StartTasking()
	p, err := k.NewProcess(name)
	if err != nil {
		return nil, err
	}
	t, err := k.NewThread(p)
	if err != nil {
		return nil, err
	}
	k.SetCurrent(t)
	return t, nil
}

func expectHalt(halt *cpu.HaltedError, reason string) error {
	if halt == nil {
		return fmt.Errorf("machine kept running, want halt %s", reason)
	}
	if halt.Reason != reason {
		return fmt.Errorf("machine halted with %s, want %s", halt.Reason, reason)
	}
	return nil
}

// Cases are the canned fault sequences, in order.
var Cases = []Case{
	{
		ID:          "A",
		Name:        "illegal-instruction",
		Description: "user process executes an illegal instruction and is killed",
		run: func(m *boot.Machine) error {
			if _, err := startProcess(m, "init"); err != nil {
				return err
			}
			m.Raise(ring0.InvalidOpcode, 0)
			return nil
		},
		check: func(m *boot.Machine, halt *cpu.HaltedError, _ string) (string, error) {
			if halt != nil {
				return "", fmt.Errorf("machine halted: %v", halt)
			}
			if n := len(m.Kernel().Processes()); n != 0 {
				return "", fmt.Errorf("%d processes left, want 0", n)
			}
			if m.Kernel().CurrentThread() != nil {
				return "", errors.New("killed thread still current")
			}
			return fmt.Sprintf("process killed by %v, machine running", kabi.SIGILL), nil
		},
	},
	{
		ID:          "B",
		Name:        "kernel-page-fault",
		Description: "kernel mode read of an unmapped address panics",
		run: func(m *boot.Machine) error {
			t, err := startProcess(m, "syscall")
			if err != nil {
				return err
			}
			t.SetKernelMode(true)
			m.CPU().SetCR2(0xdeadbeef)
			m.Raise(ring0.PageFault, uint32(trap.FaultKernelRead))
			return nil
		},
		check: func(m *boot.Machine, halt *cpu.HaltedError, console string) (string, error) {
			if err := expectHalt(halt, trap.PageFaultTag); err != nil {
				return "", err
			}
			if !strings.Contains(console, "read from non-present page at 0xdeadbeef") {
				return "", errors.New("panic does not name the fault address")
			}
			return "kernel panic at 0xdeadbeef", nil
		},
	},
	{
		ID:          "C",
		Name:        "preempt-fault",
		Description: "page fault while the scheduler is switching panics in the memory manager",
		run: func(m *boot.Machine) error {
			if _, err := startProcess(m, "switching"); err != nil {
				return err
			}
			if !m.Kernel().BeginPreempt() {
				return errors.New("could not start preemption")
			}
			m.CPU().SetCR2(0x5000)
			m.Raise(ring0.PageFault, uint32(trap.FaultUserWrite))
			return nil
		},
		check: func(m *boot.Machine, halt *cpu.HaltedError, console string) (string, error) {
			tag := mm.PanicTag(trap.FaultUserWrite)
			if err := expectHalt(halt, tag); err != nil {
				return "", err
			}
			if !strings.Contains(console, "Page fault while accessing address: 0x00005000") {
				return "", errors.New("memory manager report missing")
			}
			return "memory manager panic " + tag, nil
		},
	},
	{
		ID:          "D",
		Name:        "stack-overflow",
		Description: "kernel stack overflow double faults into the recovery task",
		run: func(m *boot.Machine) error {
			regs := m.Frame(ring0.DoubleFault, 0)
			regs.ESP = m.BootStack() - 4
			m.Deliver(regs)
			return nil
		},
		check: func(m *boot.Machine, halt *cpu.HaltedError, console string) (string, error) {
			if err := expectHalt(halt, "DOUBLE_FAULT"); err != nil {
				return "", err
			}
			if got := m.DoubleFault().State(); got != ring0.Halted {
				return "", fmt.Errorf("recovery task %v, want Halted", got)
			}
			if !strings.Contains(console, "Kernel stack overflow detected!") {
				return "", errors.New("overflow not detected")
			}
			return "overflow reported on the recovery stack", nil
		},
	},
	{
		ID:          "E",
		Name:        "copy-on-write",
		Description: "user write to a copy-on-write page is resolved without a signal",
		run: func(m *boot.Machine) error {
			t, err := startProcess(m, "forked")
			if err != nil {
				return err
			}
			as := t.Process().AddressSpace()
			if err := m.MemoryManager().MapAnonymous(as, userAddr, mm.PageSize, mm.Writable|mm.User); err != nil {
				return err
			}
			if _, err := m.MemoryManager().Fork(as); err != nil {
				return err
			}
			regs := m.Frame(ring0.PageFault, uint32(trap.FaultUserWriteGPF))
			regs.EIP = userEIP
			m.CPU().SetCR2(userAddr + 0x10)
			m.Deliver(regs)
			return nil
		},
		check: func(m *boot.Machine, halt *cpu.HaltedError, _ string) (string, error) {
			if halt != nil {
				return "", fmt.Errorf("machine halted: %v", halt)
			}
			t := m.Kernel().CurrentThread()
			if t == nil {
				return "", errors.New("faulting thread was killed")
			}
			if t.InTrap() {
				return "", errors.New("trap frame left open")
			}
			pte, _ := t.Process().AddressSpace().Lookup(userAddr)
			if !pte.Has(mm.Writable) || pte.Has(mm.CopyOnWrite) {
				return "", fmt.Errorf("page flags %v after resolution", pte.Flags)
			}
			_, cow := m.MemoryManager().Resolved()
			return fmt.Sprintf("%d copy-on-write fault resolved, flags %v", cow, pte.Flags), nil
		},
	},
}

// LookupCase finds a scenario by ID or name.
func LookupCase(name string) (Case, bool) {
	for _, s := range Cases {
		if strings.EqualFold(s.ID, name) || s.Name == name {
			return s, true
		}
	}
	return Case{}, false
}

// RunCase runs s on a new machine. Exceptions are counted in faults if it
// is not nil.
func RunCase(conf *config.Config, s Case, faults *ktrace.FaultProfile) Outcome {
	o := Outcome{Case: s}
	var console bytes.Buffer
	m, err := newMachine(conf, &console, boot.Options{Faults: faults})
	if err != nil {
		o.Err = err
		return o
	}
	var runErr error
	halt := m.Run(func() { runErr = s.run(m) })
	o.Console = console.String()
	if runErr != nil {
		o.Err = fmt.Errorf("setting up: %w", runErr)
		return o
	}
	if halt != nil {
		o.Halt = halt.Reason
	}
	o.Detail, o.Err = s.check(m, halt, o.Console)
	return o
}

// RunCases runs scenarios concurrently, each on its own machine, and
// returns the outcomes in order. It stops starting new scenarios once ctx
// is done.
func RunCases(ctx context.Context, conf *config.Config, scenarios []Case, faults *ktrace.FaultProfile) ([]Outcome, error) {
	outcomes := make([]Outcome, len(scenarios))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, s := range scenarios {
		i, s := i, s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			outcomes[i] = RunCase(conf, s, faults)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}
