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
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/pprof/profile"
	"gvisor.dev/trapcore/pkg/boot"
	"gvisor.dev/trapcore/pkg/ktrace"
	"gvisor.dev/trapcore/pkg/ring0"
	"gvisor.dev/trapcore/trapsim/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func TestCases(t *testing.T) {
	outcomes, err := RunCases(context.Background(), testConfig(t), Cases, nil)
	if err != nil {
		t.Fatalf("RunCases: %v", err)
	}
	wantHalts := map[string]string{
		"A": "",
		"B": "PAGE_FAULT",
		"C": "USER_WRITE_NONPAGED_AREA",
		"D": "DOUBLE_FAULT",
		"E": "",
	}
	if len(outcomes) != len(wantHalts) {
		t.Fatalf("got %d outcomes, want %d", len(outcomes), len(wantHalts))
	}
	for _, o := range outcomes {
		if !o.Passed() {
			t.Errorf("scenario %s (%s) failed: %v\nconsole:\n%s", o.Case.ID, o.Case.Name, o.Err, o.Console)
		}
		if want := wantHalts[o.Case.ID]; o.Halt != want {
			t.Errorf("scenario %s halted with %q, want %q", o.Case.ID, o.Halt, want)
		}
	}

	var out bytes.Buffer
	if !printOutcomes(&out, outcomes, false) {
		t.Errorf("printOutcomes reported a failure:\n%s", out.String())
	}
}

func TestRunCasesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := RunCases(ctx, testConfig(t), Cases, nil); err == nil {
		t.Errorf("RunCases with a cancelled context succeeded")
	}
}

func TestWriteProfile(t *testing.T) {
	faults := ktrace.NewFaultProfile()
	if _, err := RunCases(context.Background(), testConfig(t), Cases, faults); err != nil {
		t.Fatalf("RunCases: %v", err)
	}
	path := filepath.Join(t.TempDir(), "faults.pb.gz")
	if err := writeProfile(path, faults); err != nil {
		t.Fatalf("writeProfile: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	prof, err := profile.Parse(f)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := make(map[string]int64)
	for _, s := range prof.Sample {
		got[s.Label["fault"][0]] += s.Value[0]
	}
	want := map[string]int64{"#UD": 1, "#PF": 3, "#DF": 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("faults by kind mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectCases(t *testing.T) {
	got, err := selectCases("a, copy-on-write")
	if err != nil {
		t.Fatalf("selectCases: %v", err)
	}
	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	if diff := cmp.Diff([]string{"A", "E"}, ids); diff != "" {
		t.Errorf("selectCases mismatch (-want +got):\n%s", diff)
	}
	if _, err := selectCases("Z"); err == nil {
		t.Errorf("selectCases(Z) succeeded")
	}
	if all, _ := selectCases(""); len(all) != len(Cases) {
		t.Errorf("selectCases(\"\") = %d cases, want %d", len(all), len(Cases))
	}
}

func TestSeverityTable(t *testing.T) {
	rows := SeverityTable()
	if len(rows) != 33 {
		t.Fatalf("got %d rows, want 33", len(rows))
	}
	for _, r := range rows {
		switch r.Name {
		case "SIGILL", "SIGSEGV":
			if r.Severity != "KILL" {
				t.Errorf("%s severity = %s, want KILL", r.Name, r.Severity)
			}
		}
	}
	var out bytes.Buffer
	if err := writeSeverityTable(&out, rows[:2]); err != nil {
		t.Fatalf("writeSeverityTable: %v", err)
	}
	if !strings.HasPrefix(out.String(), "NUM") {
		t.Errorf("table = %q", out.String())
	}
}

func TestVectorTable(t *testing.T) {
	m, err := newMachine(testConfig(t), &bytes.Buffer{}, boot.Options{})
	if err != nil {
		t.Fatalf("newMachine: %v", err)
	}
	rows := VectorTable(m.Table(), false)
	if len(rows) != ring0.NumReserved+ring0.NumIRQs {
		t.Fatalf("got %d gates, want %d", len(rows), ring0.NumReserved+ring0.NumIRQs)
	}
	want := VectorInfo{
		Vector:   8,
		Name:     "#DF",
		Type:     "task",
		Selector: ring0.DoubleFaultTSS,
		Attr:     0x85,
	}
	if diff := cmp.Diff(want, rows[8]); diff != "" {
		t.Errorf("double fault row mismatch (-want +got):\n%s", diff)
	}
	if rows[14].Attr != 0x8e || rows[14].Type != "interrupt" {
		t.Errorf("page fault row = %+v", rows[14])
	}
	if all := VectorTable(m.Table(), true); len(all) != ring0.NumVectors {
		t.Errorf("got %d rows with -all, want %d", len(all), ring0.NumVectors)
	}
}

func TestClock(t *testing.T) {
	var out bytes.Buffer
	c := &Clock{ticks: 2048, busy: 3, roll: true}
	if err := c.run(context.Background(), testConfig(t), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"RTC: ", "Ticks: 2048 at 1024 Hz, elapsed 2s"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q does not contain %q", out.String(), want)
		}
	}
}

func TestDoubleFault(t *testing.T) {
	var out bytes.Buffer
	d := &DoubleFault{overflow: true, frames: 3}
	if err := d.run(testConfig(t), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{
		"Kernel stack overflow detected!",
		"  #2 ",
		"[DOUBLE_FAULT]",
		"Halted: DOUBLE_FAULT, recovery task Halted",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output does not contain %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	d = &DoubleFault{frames: 0}
	if err := d.run(testConfig(t), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Double fault at EIP") || !strings.Contains(out.String(), "(no frames)") {
		t.Errorf("output:\n%s", out.String())
	}
}

func TestWriteErrorLog(t *testing.T) {
	var b bytes.Buffer
	ErrorLogger = &b
	defer func() { ErrorLogger = nil }()

	writeError("booting machine: %v", "stack too small")
	var got struct {
		Msg   string `json:"msg"`
		Level string `json:"level"`
	}
	if err := json.Unmarshal(b.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", b.String(), err)
	}
	if got.Msg != "booting machine: stack too small" || got.Level != "error" {
		t.Errorf("error log record = %+v", got)
	}
}
