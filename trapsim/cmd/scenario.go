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
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/trapcore/pkg/boot"
	"gvisor.dev/trapcore/pkg/ktrace"
	"gvisor.dev/trapcore/trapsim/config"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	run     string
	verbose bool
	list    bool
	profile string
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "Run fault scenarios on simulated machines."
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [flags] - Run fault scenarios, each on its own machine.

Scenarios are selected by ID or name with -run; all run by default.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Scenario) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.run, "run", "", "comma-separated scenario IDs or names to run. Empty runs all.")
	f.BoolVar(&r.verbose, "v", false, "print the console of each machine.")
	f.BoolVar(&r.list, "list", false, "list scenarios and exit.")
	f.StringVar(&r.profile, "profile", "", "write a pprof profile of the exceptions raised by all scenarios to this file.")
}

// Execute implements subcommands.Command.Execute.
func (r *Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if r.list {
		w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tDESCRIPTION\n")
		for _, s := range Cases {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Name, s.Description)
		}
		if err := w.Flush(); err != nil {
			Fatalf("writing output: %v", err)
		}
		return subcommands.ExitSuccess
	}

	scenarios, err := selectCases(r.run)
	if err != nil {
		Fatalf("%v", err)
	}
	var faults *ktrace.FaultProfile
	if r.profile != "" {
		faults = ktrace.NewFaultProfile()
	}
	outcomes, err := RunCases(ctx, conf, scenarios, faults)
	if err != nil {
		Fatalf("running scenarios: %v", err)
	}
	if faults != nil {
		if err := writeProfile(r.profile, faults); err != nil {
			Fatalf("writing profile: %v", err)
		}
	}
	if !printOutcomes(stdout, outcomes, r.verbose) {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// writeProfile writes faults to path. All machines share the default symbol
// table.
func writeProfile(path string, faults *ktrace.FaultProfile) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := faults.Write(f, boot.DefaultSymbols()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func selectCases(run string) ([]Case, error) {
	if run == "" {
		return Cases, nil
	}
	var scenarios []Case
	for _, name := range strings.Split(run, ",") {
		s, ok := LookupCase(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// printOutcomes writes a table of outcomes and returns true if all passed.
func printOutcomes(out io.Writer, outcomes []Outcome, verbose bool) bool {
	passed := true
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tNAME\tRESULT\tHALT\tDETAIL\n")
	for _, o := range outcomes {
		result, detail := "ok", o.Detail
		if !o.Passed() {
			passed = false
			result, detail = "FAIL", o.Err.Error()
		}
		halt := o.Halt
		if halt == "" {
			halt = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.Case.ID, o.Case.Name, result, halt, detail)
	}
	w.Flush()
	if verbose {
		for _, o := range outcomes {
			fmt.Fprintf(out, "\n=== %s %s ===\n%s", o.Case.ID, o.Case.Name, o.Console)
		}
	}
	return passed
}
