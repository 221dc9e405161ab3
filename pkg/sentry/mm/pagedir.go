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

package mm

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
)

// Flags are page table entry flags.
type Flags uint32

// Page flags.
const (
	Present Flags = 1 << iota
	Writable
	User

	// CopyOnWrite marks a read-only page that is copied on the first write.
	CopyOnWrite

	// Demand marks a reserved page that gets a zeroed frame on first touch.
	Demand
)

func (f Flags) String() string {
	var parts []string
	for _, n := range []struct {
		flag Flags
		name string
	}{
		{Present, "P"},
		{Writable, "W"},
		{User, "U"},
		{CopyOnWrite, "COW"},
		{Demand, "D"},
	} {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// ErrNotMapped is returned for an access to an address with no mapping.
var ErrNotMapped = errors.New("address not mapped")

// PTE is a page table entry.
type PTE struct {
	Addr  uint32
	Flags Flags
	Frame uint32
}

// Has returns true if all of flags are set.
func (p PTE) Has(flags Flags) bool {
	return p.Flags&flags == flags
}

func lessPTE(a, b PTE) bool {
	return a.Addr < b.Addr
}

// PageDirectory is an address space. Entries are kept in a btree keyed by
// page address.
type PageDirectory struct {
	phys uint32
	mem  *PhysicalMemory

	mu      sync.RWMutex
	entries *btree.BTreeG[PTE]
}

// NewPageDirectory returns an empty directory whose own table lives at
// frame phys.
func NewPageDirectory(phys uint32, mem *PhysicalMemory) *PageDirectory {
	return &PageDirectory{
		phys:    phys,
		mem:     mem,
		entries: btree.NewG(16, lessPTE),
	}
}

// PhysicalAddress returns the value loaded into CR3 for this directory.
func (pd *PageDirectory) PhysicalAddress() uint32 {
	return pd.phys
}

// Map maps the page containing addr to frame.
func (pd *PageDirectory) Map(addr uint32, flags Flags, frame uint32) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.entries.ReplaceOrInsert(PTE{Addr: PageRoundDown(addr), Flags: flags, Frame: PageRoundDown(frame)})
}

// Reserve marks the pages in [addr, addr+length) for demand paging.
func (pd *PageDirectory) Reserve(addr, length uint32, flags Flags) error {
	start := PageRoundDown(addr)
	end, ok := PageRoundUp(addr + length)
	if !ok || addr+length < addr {
		return fmt.Errorf("reserving [%#x, +%#x): range overflows", addr, length)
	}
	pd.mu.Lock()
	defer pd.mu.Unlock()
	for a := start; a < end; a += PageSize {
		pd.entries.ReplaceOrInsert(PTE{Addr: a, Flags: (flags &^ Present) | Demand})
		if a+PageSize < a {
			break
		}
	}
	return nil
}

// Unmap removes the mapping of the page containing addr.
func (pd *PageDirectory) Unmap(addr uint32) bool {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	_, ok := pd.entries.Delete(PTE{Addr: PageRoundDown(addr)})
	return ok
}

// Lookup returns the entry for the page containing addr.
func (pd *PageDirectory) Lookup(addr uint32) (PTE, bool) {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	return pd.entries.Get(PTE{Addr: PageRoundDown(addr)})
}

// IsMapped returns true if addr is present, and for user accesses also
// user accessible.
func (pd *PageDirectory) IsMapped(addr uint32, user bool) bool {
	pte, ok := pd.Lookup(addr)
	if !ok || !pte.Has(Present) {
		return false
	}
	return !user || pte.Has(User)
}

// Len returns the number of entries, present or reserved.
func (pd *PageDirectory) Len() int {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	return pd.entries.Len()
}

// ForEach calls fn for each entry in address order until fn returns false.
func (pd *PageDirectory) ForEach(fn func(PTE) bool) {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	pd.entries.Ascend(fn)
}

// ReadWord reads the word at addr, bypassing protection.
func (pd *PageDirectory) ReadWord(addr uint32) (uint32, bool) {
	pte, ok := pd.Lookup(addr)
	if !ok || !pte.Has(Present) {
		return 0, false
	}
	return pd.mem.ReadWord(pte.Frame + addr%PageSize), true
}

// WriteWord writes the word at addr, bypassing protection.
func (pd *PageDirectory) WriteWord(addr, v uint32) error {
	pte, ok := pd.Lookup(addr)
	if !ok || !pte.Has(Present) {
		return fmt.Errorf("writing %#x: %w", addr, ErrNotMapped)
	}
	pd.mem.WriteWord(pte.Frame+addr%PageSize, v)
	return nil
}

// Fork returns a copy of the directory, with its table at frame phys, that
// shares every frame. Writable user pages become read-only copy-on-write in
// both directories.
func (pd *PageDirectory) Fork(phys uint32) *PageDirectory {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	var shared []PTE
	pd.entries.Ascend(func(p PTE) bool {
		if p.Has(Present | Writable | User) {
			p.Flags = (p.Flags &^ Writable) | CopyOnWrite
			shared = append(shared, p)
		}
		return true
	})
	for _, p := range shared {
		pd.entries.ReplaceOrInsert(p)
	}
	return &PageDirectory{
		phys:    phys,
		mem:     pd.mem,
		entries: pd.entries.Clone(),
	}
}
