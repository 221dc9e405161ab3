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
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/trapcore/pkg/boot"
	"gvisor.dev/trapcore/pkg/devices/rtc"
	"gvisor.dev/trapcore/trapsim/config"
)

// Clock implements subcommands.Command for the "clock" command.
type Clock struct {
	ticks  int
	busy   int
	roll   bool
	binary bool
}

// Name implements subcommands.Command.Name.
func (*Clock) Name() string {
	return "clock"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Clock) Synopsis() string {
	return "Read the simulated real time clock."
}

// Usage implements subcommands.Command.Usage.
func (*Clock) Usage() string {
	return `clock [options] - Read the real time clock of a booted machine and
optionally deliver periodic clock interrupts.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Clock) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.ticks, "ticks", 0, "number of periodic interrupts to deliver.")
	f.IntVar(&c.busy, "busy", 0, "number of status polls the clock reports an update in progress for.")
	f.BoolVar(&c.roll, "roll", false, "roll the clock over by one second in the middle of the first read.")
	f.BoolVar(&c.binary, "binary", false, "store the clock in binary instead of BCD.")
}

// Execute implements subcommands.Command.Execute.
func (c *Clock) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if err := c.run(ctx, conf, stdout); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (c *Clock) run(ctx context.Context, conf *config.Config, out io.Writer) error {
	now := time.Now().UTC().Truncate(time.Second)
	m, err := newMachine(conf, io.Discard, boot.Options{Time: now})
	if err != nil {
		return err
	}
	cmos := m.CMOS()
	cmos.SetBinary(c.binary)
	cmos.SetBusy(c.busy)
	if c.roll {
		cmos.Schedule(rtc.Update{At: c.busy + 5, Busy: 1, Time: now.Add(time.Second)})
	}

	before, _ := cmos.Reads()
	t, err := m.RTC().Time()
	if err != nil {
		return err
	}
	after, _ := cmos.Reads()
	fmt.Fprintf(out, "RTC: %s (%d), %d register reads\n", t.Format(time.RFC3339), t.Unix(), after-before)

	if c.ticks > 0 {
		for i := 0; i < c.ticks; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !m.Tick() {
				return fmt.Errorf("tick %d not delivered", i)
			}
		}
		r := m.RTC()
		fmt.Fprintf(out, "Ticks: %d at %d Hz, elapsed %v\n", r.Ticks(), r.Frequency(), r.Elapsed())
	}
	return nil
}
