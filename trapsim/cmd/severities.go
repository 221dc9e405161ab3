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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/trapcore/pkg/abi/kabi"
	"gvisor.dev/trapcore/pkg/sentry/kernel"
)

// Severities implements subcommands.Command for the "severities" command.
type Severities struct {
	output string
}

// SignalSeverity is one row of the severity table.
type SignalSeverity struct {
	Number   int    `json:"number"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
}

// Name implements subcommands.Command.Name.
func (*Severities) Name() string {
	return "severities"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Severities) Synopsis() string {
	return "Print the signal severity table."
}

// Usage implements subcommands.Command.Usage.
func (*Severities) Usage() string {
	return `severities [options] - Print what each signal does to the receiving process.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Severities) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.output, "o", "table", "Output format (table, json).")
}

// Execute implements subcommands.Command.Execute.
func (s *Severities) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	var err error
	switch s.output {
	case "table":
		err = writeSeverityTable(stdout, SeverityTable())
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(SeverityTable())
	default:
		Fatalf("Unsupported output format %q", s.output)
	}
	if err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// SeverityTable returns every entry of the severity table.
func SeverityTable() []SignalSeverity {
	rows := make([]SignalSeverity, 0, kernel.NumSeverities())
	for i := 0; i < kernel.NumSeverities(); i++ {
		sig := kabi.Signal(i)
		rows = append(rows, SignalSeverity{
			Number:   i,
			Name:     sig.String(),
			Severity: kernel.SeverityOf(sig).String(),
		})
	}
	return rows
}

func writeSeverityTable(out io.Writer, rows []SignalSeverity) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "NUM\tSIGNAL\tSEVERITY\n")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\n", r.Number, r.Name, r.Severity)
	}
	return w.Flush()
}
