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
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"
	"gvisor.dev/trapcore/pkg/boot"
	"gvisor.dev/trapcore/pkg/ring0"
	"gvisor.dev/trapcore/trapsim/config"
)

// DoubleFault implements subcommands.Command for the "doublefault" command.
type DoubleFault struct {
	overflow bool
	frames   int
}

// Name implements subcommands.Command.Name.
func (*DoubleFault) Name() string {
	return "doublefault"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*DoubleFault) Synopsis() string {
	return "Raise a double fault and print the recovery report."
}

// Usage implements subcommands.Command.Usage.
func (*DoubleFault) Usage() string {
	return `doublefault [options] - Enter the double fault recovery task and print
its console output.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *DoubleFault) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.overflow, "overflow", true, "fault with the stack pointer in the guard page below the boot stack.")
	f.IntVar(&d.frames, "frames", 3, "number of saved frames to place on the boot stack.")
}

// Execute implements subcommands.Command.Execute.
func (d *DoubleFault) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if err := d.run(conf, stdout); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (d *DoubleFault) run(conf *config.Config, out io.Writer) error {
	var console bytes.Buffer
	m, err := newMachine(conf, &console, boot.Options{})
	if err != nil {
		return err
	}
	regs := m.Frame(ring0.DoubleFault, 0)
	if regs.EBP, err = pushFrames(m, d.frames); err != nil {
		return err
	}
	if d.overflow {
		regs.ESP = m.BootStack() - 4
	}

	halt := m.Run(func() { m.Deliver(regs) })
	if _, err := out.Write(console.Bytes()); err != nil {
		return err
	}
	if halt == nil {
		return fmt.Errorf("recovery task returned")
	}
	fmt.Fprintf(out, "Halted: %s, recovery task %v\n", halt.Reason, m.DoubleFault().State())
	return nil
}

// pushFrames writes a chain of n saved frame pointers at the top of the
// boot stack and returns the innermost one. Return addresses fall in the
// kernel text symbols.
func pushFrames(m *boot.Machine, n int) (uint32, error) {
	if n <= 0 {
		return 0, nil
	}
	pd := m.MemoryManager().KernelPageDirectory()
	const frameSize = 32
	top := m.BootStackTop()
	var next uint32
	for i := 0; i < n; i++ {
		ebp := top - uint32(i+1)*frameSize
		if ebp < m.BootStack() {
			return 0, fmt.Errorf("%d frames do not fit on the boot stack", n)
		}
		if err := pd.WriteWord(ebp, next); err != nil {
			return 0, err
		}
		ret := ring0.StubBase - ring0.PageSize*uint32(2+i)
		if err := pd.WriteWord(ebp+4, ret); err != nil {
			return 0, err
		}
		next = ebp
	}
	return next, nil
}
