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
	"testing"

	"github.com/google/go-cmp/cmp"
)

type mapMemory map[uint32]uint32

func (m mapMemory) ReadWord(addr uint32) (uint32, bool) {
	v, ok := m[addr]
	return v, ok
}

// frames builds a chain of frames at the given addresses, each returning to
// the matching entry of rets.
func frames(at []uint32, rets []uint32) mapMemory {
	m := mapMemory{}
	for i, ebp := range at {
		var next uint32
		if i+1 < len(at) {
			next = at[i+1]
		}
		m[ebp] = next
		m[ebp+4] = rets[i]
	}
	return m
}

func collect(mem Memory, ebp uint32) []uint32 {
	var got []uint32
	Walk(mem, ebp, func(_ int, ret uint32) { got = append(got, ret) })
	return got
}

func TestWalk(t *testing.T) {
	for _, tc := range []struct {
		name string
		mem  mapMemory
		ebp  uint32
		want []uint32
	}{
		{
			name: "chain",
			mem:  frames([]uint32{0x1000, 0x1040, 0x1100}, []uint32{0xc0001000, 0xc0002000, 0xc0003000}),
			ebp:  0x1000,
			want: []uint32{0xc0001000, 0xc0002000, 0xc0003000},
		},
		{
			name: "zero frame pointer",
			mem:  mapMemory{},
			ebp:  0,
		},
		{
			name: "unmapped",
			mem:  mapMemory{},
			ebp:  0x1000,
		},
		{
			name: "loop",
			mem:  mapMemory{0x1000: 0x1000, 0x1004: 0xc0001000},
			ebp:  0x1000,
			want: []uint32{0xc0001000},
		},
		{
			name: "goes down the stack",
			mem:  mapMemory{0x2000: 0x1000, 0x2004: 0xc0001000, 0x1000: 0, 0x1004: 0xc0002000},
			ebp:  0x2000,
			want: []uint32{0xc0001000},
		},
		{
			name: "zero return address",
			mem:  mapMemory{0x1000: 0x1100, 0x1004: 0},
			ebp:  0x1000,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, collect(tc.mem, tc.ebp)); diff != "" {
				t.Errorf("Walk mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWalkBounded(t *testing.T) {
	var at, rets []uint32
	for i := 0; i < 2*MaxFrames; i++ {
		at = append(at, 0x1000+uint32(i)*0x10)
		rets = append(rets, 0xc0000000+uint32(i))
	}
	if n := Walk(frames(at, rets), 0x1000, func(int, uint32) {}); n != MaxFrames {
		t.Errorf("Walk visited %d frames, want %d", n, MaxFrames)
	}
}

func TestSymbolTable(t *testing.T) {
	syms := NewSymbolTable()
	syms.Add("isr_handler", 0xc0001000, 0x100)
	syms.Add("handle_fault", 0xc0002000, 0x80)
	syms.Add("kmain", 0xc0003000, 0)

	for addr, want := range map[uint32]string{
		0xc0001010: "isr_handler+0x10",
		0xc0002000: "handle_fault+0x0",
		0xc0002080: "??",
		0xc0009000: "kmain+0x6000",
		0xb0000000: "??",
	} {
		if got := syms.Format(addr); got != want {
			t.Errorf("Format(%#x) = %q, want %q", addr, got, want)
		}
	}
}

func TestPrintStackTrace(t *testing.T) {
	syms := NewSymbolTable()
	syms.Add("handle_fault", 0xc0002000, 0x80)
	tr := &Tracer{
		Mem:     frames([]uint32{0x1000, 0x1040}, []uint32{0xc0002010, 0xdeadbeef}),
		Symbols: syms,
	}
	var buf bytes.Buffer
	tr.PrintStackTrace(&buf, 0x1000)
	want := "Stack trace:\n  #0 0xc0002010 handle_fault+0x10\n  #1 0xdeadbeef ??\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	PrintStackTrace(&buf, mapMemory{}, 0x1000, nil)
	if got, want := buf.String(), "Stack trace:\n  (no frames)\n"; got != want {
		t.Errorf("empty trace = %q, want %q", got, want)
	}
}
