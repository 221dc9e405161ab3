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
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/trapcore/pkg/boot"
	"gvisor.dev/trapcore/pkg/ring0"
	"gvisor.dev/trapcore/trapsim/config"
)

// Vectors implements subcommands.Command for the "vectors" command.
type Vectors struct {
	output string
	all    bool
}

// VectorInfo describes one installed gate.
type VectorInfo struct {
	Vector   uint8  `json:"vector"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Selector uint16 `json:"selector"`
	Offset   uint32 `json:"offset"`
	DPL      uint8  `json:"dpl"`
	Attr     uint8  `json:"attr"`
}

// Name implements subcommands.Command.Name.
func (*Vectors) Name() string {
	return "vectors"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Vectors) Synopsis() string {
	return "Boot a machine and print its interrupt descriptor table."
}

// Usage implements subcommands.Command.Usage.
func (*Vectors) Usage() string {
	return `vectors [options] - Print the installed gates of a booted machine.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *Vectors) SetFlags(f *flag.FlagSet) {
	f.StringVar(&v.output, "o", "table", "Output format (table, json, hex).")
	f.BoolVar(&v.all, "all", false, "include vectors without a gate.")
}

// Execute implements subcommands.Command.Execute.
func (v *Vectors) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	m, err := newMachine(conf, io.Discard, boot.Options{})
	if err != nil {
		Fatalf("%v", err)
	}
	switch v.output {
	case "table":
		err = writeVectorTable(stdout, VectorTable(m.Table(), v.all))
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(VectorTable(m.Table(), v.all))
	case "hex":
		idt, ok := m.Table().(*ring0.IDT)
		if !ok {
			Fatalf("vector table has no binary form")
		}
		d := hex.Dumper(stdout)
		if _, err = d.Write(idt.Bytes()); err == nil {
			err = d.Close()
		}
	default:
		Fatalf("Unsupported output format %q", v.output)
	}
	if err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// VectorTable lists the gates of t. Vectors without a gate are included
// only if all is set.
func VectorTable(t ring0.VectorTable, all bool) []VectorInfo {
	var rows []VectorInfo
	for i := 0; i < ring0.NumVectors; i++ {
		vec := ring0.Vector(i)
		g := t.Gate(vec)
		if !g.Present && !all {
			continue
		}
		typ := "-"
		if g.Present {
			typ = g.Type.String()
		}
		rows = append(rows, VectorInfo{
			Vector:   uint8(vec),
			Name:     vec.String(),
			Type:     typ,
			Selector: g.Selector,
			Offset:   g.Offset,
			DPL:      g.DPL,
			Attr:     g.Attr(),
		})
	}
	return rows
}

func writeVectorTable(out io.Writer, rows []VectorInfo) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "VEC\tNAME\tTYPE\tSEL\tOFFSET\tDPL\tATTR\n")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%#04x\t%#08x\t%d\t%#02x\n", r.Vector, r.Name, r.Type, r.Selector, r.Offset, r.DPL, r.Attr)
	}
	return w.Flush()
}
