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
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/pprof/profile"
)

type faultKey struct {
	kind string
	eip  uint32
}

// FaultProfile counts faults by kind and faulting instruction. It is safe
// for concurrent use; several machines may record into one profile.
type FaultProfile struct {
	mu     sync.Mutex
	counts map[faultKey]int64
}

// NewFaultProfile returns an empty profile.
func NewFaultProfile() *FaultProfile {
	return &FaultProfile{counts: make(map[faultKey]int64)}
}

// Record counts one fault of the given kind at eip.
func (p *FaultProfile) Record(kind string, eip uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[faultKey{kind, eip}]++
}

// Total returns the number of faults recorded.
func (p *FaultProfile) Total() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for _, c := range p.counts {
		n += c
	}
	return n
}

// Build returns the profile in pprof form. Each faulting EIP is one
// location, named by syms when it resolves; each fault kind is a "fault"
// label on the samples.
func (p *FaultProfile) Build(syms *SymbolTable) *profile.Profile {
	p.mu.Lock()
	keys := make([]faultKey, 0, len(p.counts))
	for k := range p.counts {
		keys = append(keys, k)
	}
	counts := make(map[faultKey]int64, len(p.counts))
	for k, c := range p.counts {
		counts[k] = c
	}
	p.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].eip != keys[j].eip {
			return keys[i].eip < keys[j].eip
		}
		return keys[i].kind < keys[j].kind
	})

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "faults", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "faults", Unit: "count"},
		Period:     1,
	}
	locs := make(map[uint32]*profile.Location)
	funcs := make(map[string]*profile.Function)
	for _, k := range keys {
		loc, ok := locs[k.eip]
		if !ok {
			name := fmt.Sprintf("0x%x", k.eip)
			if syms != nil {
				if sym, _, found := syms.Lookup(k.eip); found {
					name = sym.Name
				}
			}
			fn, ok := funcs[name]
			if !ok {
				fn = &profile.Function{
					ID:         uint64(len(prof.Function) + 1),
					Name:       name,
					SystemName: name,
				}
				funcs[name] = fn
				prof.Function = append(prof.Function, fn)
			}
			loc = &profile.Location{
				ID:      uint64(len(prof.Location) + 1),
				Address: uint64(k.eip),
				Line:    []profile.Line{{Function: fn}},
			}
			locs[k.eip] = loc
			prof.Location = append(prof.Location, loc)
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{counts[k]},
			Label:    map[string][]string{"fault": {k.kind}},
		})
	}
	return prof
}

// Write writes the gzipped pprof encoding of the profile to w.
func (p *FaultProfile) Write(w io.Writer, syms *SymbolTable) error {
	prof := p.Build(syms)
	if err := prof.CheckValid(); err != nil {
		return fmt.Errorf("invalid fault profile: %w", err)
	}
	return prof.Write(w)
}
