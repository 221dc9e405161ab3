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

package ktrace

import (
	"bytes"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/pprof/profile"
)

type faultSample struct {
	Func  string
	Addr  uint64
	Fault string
	Count int64
}

func samples(prof *profile.Profile) []faultSample {
	var got []faultSample
	for _, s := range prof.Sample {
		loc := s.Location[0]
		got = append(got, faultSample{
			Func:  loc.Line[0].Function.Name,
			Addr:  loc.Address,
			Fault: s.Label["fault"][0],
			Count: s.Value[0],
		})
	}
	return got
}

func TestFaultProfileBuild(t *testing.T) {
	syms := NewSymbolTable()
	syms.Add("kernel_main", 0xc0100000, 0x1000)

	p := NewFaultProfile()
	p.Record("#PF", 0xc0100010)
	p.Record("#PF", 0xc0100010)
	p.Record("#GP", 0xc0100010)
	p.Record("#DE", 0x8048000)

	prof := p.Build(syms)
	if err := prof.CheckValid(); err != nil {
		t.Fatalf("CheckValid: %v", err)
	}
	want := []faultSample{
		{Func: "0x8048000", Addr: 0x8048000, Fault: "#DE", Count: 1},
		{Func: "kernel_main", Addr: 0xc0100010, Fault: "#GP", Count: 1},
		{Func: "kernel_main", Addr: 0xc0100010, Fault: "#PF", Count: 2},
	}
	if diff := cmp.Diff(want, samples(prof)); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
	if got, want := len(prof.Location), 2; got != want {
		t.Errorf("got %d locations, want %d", got, want)
	}
	if got, want := p.Total(), int64(4); got != want {
		t.Errorf("Total() = %d, want %d", got, want)
	}
}

func TestFaultProfileWrite(t *testing.T) {
	p := NewFaultProfile()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Record("#UD", 0x1000)
		}()
	}
	wg.Wait()

	var buf bytes.Buffer
	if err := p.Write(&buf, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	prof, err := profile.Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []faultSample{{Func: "0x1000", Addr: 0x1000, Fault: "#UD", Count: 8}}
	if diff := cmp.Diff(want, samples(prof)); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
}

func TestFaultProfileEmpty(t *testing.T) {
	prof := NewFaultProfile().Build(nil)
	if err := prof.CheckValid(); err != nil {
		t.Fatalf("CheckValid: %v", err)
	}
	if len(prof.Sample) != 0 {
		t.Errorf("got %d samples, want none", len(prof.Sample))
	}
}
