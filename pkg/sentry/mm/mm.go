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

// Package mm is the kernel memory manager: page directories, the kernel
// stack area, and page fault resolution.
package mm

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/pkg/ring0"
	"gvisor.dev/trapcore/pkg/sentry/trap"
)

// Kernel address space layout.
const (
	// KernelBase is the start of the kernel half of every address space.
	KernelBase uint32 = 0xc0000000

	// StackAreaBase and StackAreaEnd bound the kernel stack area. Every
	// stack is preceded by an unmapped guard page.
	StackAreaBase uint32 = 0xe0000000
	StackAreaEnd  uint32 = 0xf0000000

	// FrameBase is the first frame handed out by the allocator.
	FrameBase uint32 = 0x00100000

	// FrameLimit is the end of physical memory.
	FrameLimit uint32 = 0x10000000
)

// ErrStackAreaExhausted is returned when the kernel stack area is full.
var ErrStackAreaExhausted = errors.New("kernel stack area exhausted")

// Panicker halts the system. Panic does not return.
type Panicker interface {
	Panic(tag, format string, args ...any)
}

// Config configures a MemoryManager.
type Config struct {
	// Console receives fault reports.
	Console io.Writer

	// Panic is called for unrecoverable faults.
	Panic Panicker

	// Memory is the physical memory to allocate from. If nil, memory
	// covering [FrameBase, FrameLimit) is created.
	Memory *PhysicalMemory
}

// MemoryManager owns physical memory and the kernel page directory.
type MemoryManager struct {
	mem     *PhysicalMemory
	kernel  *PageDirectory
	console io.Writer
	panic   Panicker

	// mu protects nextStack.
	mu        sync.Mutex
	nextStack uint32

	demandFaults atomic.Uint64
	cowFaults    atomic.Uint64
}

// New returns a memory manager with an empty kernel page directory.
func New(cfg Config) (*MemoryManager, error) {
	if cfg.Console == nil || cfg.Panic == nil {
		return nil, errors.New("memory manager: console and panicker are required")
	}
	mem := cfg.Memory
	if mem == nil {
		mem = NewPhysicalMemory(FrameBase, FrameLimit)
	}
	phys, err := mem.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocating kernel page directory: %w", err)
	}
	return &MemoryManager{
		mem:       mem,
		kernel:    NewPageDirectory(phys, mem),
		console:   cfg.Console,
		panic:     cfg.Panic,
		nextStack: StackAreaBase,
	}, nil
}

// KernelPageDirectory returns the kernel page directory.
func (m *MemoryManager) KernelPageDirectory() *PageDirectory {
	return m.kernel
}

// PhysicalMemory returns the frame allocator.
func (m *MemoryManager) PhysicalMemory() *PhysicalMemory {
	return m.mem
}

// NewAddressSpace returns an empty user page directory.
func (m *MemoryManager) NewAddressSpace() (*PageDirectory, error) {
	phys, err := m.mem.Alloc()
	if err != nil {
		return nil, err
	}
	return NewPageDirectory(phys, m.mem), nil
}

// Fork returns a copy-on-write copy of pd.
func (m *MemoryManager) Fork(pd *PageDirectory) (*PageDirectory, error) {
	phys, err := m.mem.Alloc()
	if err != nil {
		return nil, err
	}
	return pd.Fork(phys), nil
}

// MapAnonymous maps length bytes at addr in pd with fresh frames.
func (m *MemoryManager) MapAnonymous(pd *PageDirectory, addr, length uint32, flags Flags) error {
	end, ok := PageRoundUp(addr + length)
	if !ok || addr+length < addr {
		return fmt.Errorf("mapping [%#x, +%#x): range overflows", addr, length)
	}
	for a := PageRoundDown(addr); a < end; a += PageSize {
		f, err := m.mem.Alloc()
		if err != nil {
			return fmt.Errorf("mapping %#x: %w", a, err)
		}
		pd.Map(a, flags|Present, f)
	}
	return nil
}

// AllocKernelStackRegion maps a kernel stack of at least size bytes and
// returns its lowest address. The page below the stack is left unmapped so
// an overflow faults.
func (m *MemoryManager) AllocKernelStackRegion(size uint32) (uint32, error) {
	if size == 0 {
		return 0, errors.New("kernel stack: zero size")
	}
	size, ok := PageRoundUp(size)
	if !ok {
		return 0, fmt.Errorf("kernel stack: size %#x overflows", size)
	}

	m.mu.Lock()
	guard := m.nextStack
	base := guard + PageSize
	if base < guard || StackAreaEnd-base < size {
		m.mu.Unlock()
		return 0, fmt.Errorf("kernel stack of %#x bytes: %w", size, ErrStackAreaExhausted)
	}
	m.nextStack = base + size
	m.mu.Unlock()

	if err := m.MapAnonymous(m.kernel, base, size, Writable); err != nil {
		return 0, fmt.Errorf("kernel stack: %w", err)
	}
	log.Debugf("Kernel stack [%#x, %#x) guard page %#x", base, base+size, guard)
	return base, nil
}

// TryResolve resolves rec against pd without involving the faulting
// thread. Write faults on copy-on-write pages get a private copy; faults on
// demand pages get a zeroed frame. It returns false if the fault is not
// resolvable here.
func (m *MemoryManager) TryResolve(pd *PageDirectory, rec *trap.Record) bool {
	if rec.Vector != ring0.PageFault || rec.Kind == trap.KindUnknown {
		return false
	}
	pte, ok := pd.Lookup(rec.Addr)
	if !ok {
		return false
	}
	user := rec.ErrorCode.IsUser()
	if user && !pte.Has(User) {
		return false
	}

	switch {
	case pte.Has(Demand) && !pte.Has(Present):
		if rec.Kind == trap.KindWrite && !pte.Has(Writable) && !pte.Has(CopyOnWrite) {
			return false
		}
		f, err := m.mem.Alloc()
		if err != nil {
			log.Warningf("Demand fault at %#x: %v", rec.Addr, err)
			return false
		}
		pd.Map(pte.Addr, (pte.Flags&^Demand)|Present, f)
		m.demandFaults.Add(1)
		return true

	case rec.Kind == trap.KindWrite && pte.Has(Present|CopyOnWrite) && !pte.Has(Writable):
		f, err := m.mem.Alloc()
		if err != nil {
			log.Warningf("Copy-on-write fault at %#x: %v", rec.Addr, err)
			return false
		}
		m.mem.Copy(f, pte.Frame)
		pd.Map(pte.Addr, (pte.Flags&^CopyOnWrite)|Writable, f)
		m.cowFaults.Add(1)
		return true
	}
	return false
}

// Resolved returns the number of demand and copy-on-write faults resolved.
func (m *MemoryManager) Resolved() (demand, cow uint64) {
	return m.demandFaults.Load(), m.cowFaults.Load()
}

// panicTags names unrecoverable page faults by error code.
var panicTags = map[trap.ErrorCode]string{
	trap.FaultKernelRead:     "KRNL_READ_NONPAGED_AREA",
	trap.FaultKernelReadGPF:  "KRNL_READ_PROTECTION_FAULT",
	trap.FaultKernelWrite:    "KRNL_WRITE_NONPAGED_AREA",
	trap.FaultKernelWriteGPF: "KRNL_WRITE_PROTECTION_FAULT",
	trap.FaultUserRead:       "USER_READ_NONPAGED_AREA",
	trap.FaultUserReadGPF:    "USER_READ_PROTECTION_FAULT",
	trap.FaultUserWrite:      "USER_WRITE_NONPAGED_AREA",
	trap.FaultUserWriteGPF:   "USER_WRITE_PROTECTION_FAULT",
}

// PanicTag returns the panic tag for an unrecoverable page fault.
func PanicTag(code trap.ErrorCode) string {
	if tag, ok := panicTags[code]; ok {
		return tag
	}
	return "UNKNOWN_PAGE_FAULT"
}

// PageFaultHandler is the low-level page fault path, used when the fault
// cannot be attributed to a thread or arrived while the scheduler was
// switching. It reports the fault and panics.
func (m *MemoryManager) PageFaultHandler(regs *ring0.Registers, addr uint32) {
	code := trap.ErrorCode(regs.ErrorCode)
	fmt.Fprintf(m.console, "\nPage fault while accessing address: 0x%08x\nReason: %s\n", addr, code.Reason())
	fmt.Fprintf(m.console, "\nRegisters:\n")
	regs.DumpTo(m.console)
	m.panic.Panic(PanicTag(code), "Page fault at 0x%x\nFault %d at 0x%x", addr, regs.Vector, regs.EIP)
}
