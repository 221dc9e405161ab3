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
	"sync"

	"github.com/google/btree"
)

// Symbol is a named address range.
type Symbol struct {
	Name string
	Addr uint32
	Size uint32
}

// Contains returns true if addr is inside s. A zero size symbol extends to
// the next symbol.
func (s Symbol) Contains(addr uint32) bool {
	return addr >= s.Addr && (s.Size == 0 || addr-s.Addr < s.Size)
}

// SymbolTable maps addresses to symbols.
type SymbolTable struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[Symbol]
}

// NewSymbolTable returns an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		tree: btree.NewG(8, func(a, b Symbol) bool { return a.Addr < b.Addr }),
	}
}

// Add adds or replaces the symbol starting at addr.
func (t *SymbolTable) Add(name string, addr, size uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.ReplaceOrInsert(Symbol{Name: name, Addr: addr, Size: size})
}

// Len returns the number of symbols.
func (t *SymbolTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// Lookup returns the symbol containing addr and the offset into it.
func (t *SymbolTable) Lookup(addr uint32) (Symbol, uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var (
		sym   Symbol
		found bool
	)
	t.tree.DescendLessOrEqual(Symbol{Addr: addr}, func(s Symbol) bool {
		sym, found = s, s.Contains(addr)
		return false
	})
	if !found {
		return Symbol{}, 0, false
	}
	return sym, addr - sym.Addr, true
}

// Format returns "name+0xoff" for addr, or "??".
func (t *SymbolTable) Format(addr uint32) string {
	if t == nil {
		return "??"
	}
	sym, off, ok := t.Lookup(addr)
	if !ok {
		return "??"
	}
	return fmt.Sprintf("%s+0x%x", sym.Name, off)
}
