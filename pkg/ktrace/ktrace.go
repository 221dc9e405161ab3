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

// Package ktrace walks and prints kernel call stacks.
//
// The walk follows the chain of saved frame pointers: each frame stores the
// caller's frame pointer at [ebp] and the return address at [ebp+4]. It is
// used on the double fault path, so it tolerates a corrupt chain and reads
// memory only through Memory.
package ktrace

import (
	"fmt"
	"io"
)

// MaxFrames bounds the walk.
const MaxFrames = 32

// Memory reads kernel memory. ReadWord returns false for unmapped
// addresses.
type Memory interface {
	ReadWord(addr uint32) (uint32, bool)
}

// Walk calls fn with the return address of each frame, innermost first, and
// returns the number of frames visited. The walk stops at a zero or
// unreadable frame pointer, a zero return address, a frame pointer that does
// not move up the stack, or after MaxFrames.
func Walk(mem Memory, ebp uint32, fn func(depth int, ret uint32)) int {
	n := 0
	for n < MaxFrames && ebp != 0 {
		next, ok := mem.ReadWord(ebp)
		if !ok {
			break
		}
		ret, ok := mem.ReadWord(ebp + 4)
		if !ok || ret == 0 {
			break
		}
		fn(n, ret)
		n++
		if next <= ebp {
			break
		}
		ebp = next
	}
	return n
}

// PrintStackTrace writes the walk from ebp to w. syms may be nil.
func PrintStackTrace(w io.Writer, mem Memory, ebp uint32, syms *SymbolTable) {
	fmt.Fprintf(w, "Stack trace:\n")
	n := Walk(mem, ebp, func(depth int, ret uint32) {
		fmt.Fprintf(w, "  #%d 0x%08x %s\n", depth, ret, syms.Format(ret))
	})
	if n == 0 {
		fmt.Fprintf(w, "  (no frames)\n")
	}
}

// Tracer binds a memory and symbol table for repeated traces.
type Tracer struct {
	Mem     Memory
	Symbols *SymbolTable
}

// PrintStackTrace writes the walk from ebp to w.
func (t *Tracer) PrintStackTrace(w io.Writer, ebp uint32) {
	PrintStackTrace(w, t.Mem, ebp, t.Symbols)
}
