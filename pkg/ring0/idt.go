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

package ring0

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/trapcore/pkg/cpu"
)

// Handler is invoked by the common dispatcher for a vector.
type Handler func(regs *Registers)

// Entry stubs are laid out back to back from StubBase.
const (
	StubBase uint32 = 0xc0100000
	StubSize uint32 = 16
)

// StubAddress returns the entry stub address for v.
func StubAddress(v Vector) uint32 {
	return StubBase + uint32(v)*StubSize
}

var (
	// ErrIncomplete is returned when a reserved vector has no gate.
	ErrIncomplete = errors.New("reserved vectors without a gate")

	// ErrSealed is returned when the table is changed after interrupts
	// were unmasked.
	ErrSealed = errors.New("vector table sealed")

	// ErrInterruptsEnabled is returned when an IRQ vector is remapped with
	// interrupts enabled.
	ErrInterruptsEnabled = errors.New("interrupts must be disabled")
)

// VectorTable is the interrupt dispatch table.
type VectorTable interface {
	// Install points v at the generic entry stub and registers h as its
	// handler.
	Install(v Vector, h Handler, dpl uint8) error

	// InstallTask points the double fault vector at a task gate for the TSS
	// selected by tss.
	InstallTask(v Vector, tss uint16) error

	// Remap replaces the handler of an IRQ vector.
	Remap(v Vector, h Handler) error

	// Gate returns the descriptor for v.
	Gate(v Vector) Gate

	// Handler returns the handler for v, or nil.
	Handler(v Vector) Handler

	// Installed returns true if v has a present gate.
	Installed(v Vector) bool

	// Missing returns the reserved vectors without a gate.
	Missing() []Vector

	// Seal freezes the table. It fails if any reserved vector is missing.
	Seal() error
}

// IDT is the interrupt descriptor table.
type IDT struct {
	cpu cpu.CPU

	mu       sync.RWMutex
	gates    [NumVectors]Gate
	handlers [NumVectors]Handler
	sealed   bool
}

var _ VectorTable = (*IDT)(nil)

// NewIDT returns an empty table. All gates start not present.
func NewIDT(c cpu.CPU) *IDT {
	return &IDT{cpu: c}
}

// Install implements VectorTable.Install.
func (t *IDT) Install(v Vector, h Handler, dpl uint8) error {
	if h == nil {
		return fmt.Errorf("installing %v: nil handler", v)
	}
	if v == DoubleFault {
		return fmt.Errorf("installing %v: must be a task gate", v)
	}
	if dpl > 3 {
		return fmt.Errorf("installing %v: invalid privilege level %d", v, dpl)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return fmt.Errorf("installing %v: %w", v, ErrSealed)
	}
	t.gates[v] = Gate{
		Offset:   StubAddress(v),
		Selector: Kcode,
		Type:     InterruptGate32,
		DPL:      dpl,
		Present:  true,
	}
	t.handlers[v] = h
	return nil
}

// InstallTask implements VectorTable.InstallTask.
func (t *IDT) InstallTask(v Vector, tss uint16) error {
	if v != DoubleFault {
		return fmt.Errorf("task gate for %v: only %v uses a task gate", v, DoubleFault)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return fmt.Errorf("task gate for %v: %w", v, ErrSealed)
	}
	t.gates[v] = Gate{
		Selector: tss,
		Type:     TaskGate,
		Present:  true,
	}
	t.handlers[v] = nil
	return nil
}

// Remap implements VectorTable.Remap.
func (t *IDT) Remap(v Vector, h Handler) error {
	if !v.IsIRQ() {
		return fmt.Errorf("remapping %v: not an IRQ vector", v)
	}
	if h == nil {
		return fmt.Errorf("remapping %v: nil handler", v)
	}
	if t.cpu.InterruptsEnabled() {
		return fmt.Errorf("remapping %v: %w", v, ErrInterruptsEnabled)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.gates[v].Present {
		t.gates[v] = Gate{Offset: StubAddress(v), Selector: Kcode, Type: InterruptGate32, Present: true}
	}
	t.handlers[v] = h
	return nil
}

// Gate implements VectorTable.Gate.
func (t *IDT) Gate(v Vector) Gate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.gates[v]
}

// Handler implements VectorTable.Handler.
func (t *IDT) Handler(v Vector) Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers[v]
}

// Installed implements VectorTable.Installed.
func (t *IDT) Installed(v Vector) bool {
	return t.Gate(v).Present
}

// Missing implements VectorTable.Missing.
func (t *IDT) Missing() []Vector {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var missing []Vector
	for v := Vector(0); v < NumReserved; v++ {
		if !t.gates[v].Present {
			missing = append(missing, v)
		}
	}
	return missing
}

// CheckComplete returns an error wrapping ErrIncomplete if any reserved
// vector lacks a gate.
func CheckComplete(t VectorTable) error {
	if missing := t.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrIncomplete, missing)
	}
	return nil
}

// Seal implements VectorTable.Seal.
func (t *IDT) Seal() error {
	if err := CheckComplete(t); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	return nil
}

// Sealed returns true once the table has been sealed.
func (t *IDT) Sealed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sealed
}

// Limit is the value loaded into the IDTR limit field.
func (t *IDT) Limit() uint16 {
	return NumVectors*GateSize - 1
}

// Bytes returns the table as the processor sees it.
func (t *IDT) Bytes() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := make([]byte, NumVectors*GateSize)
	for v := range t.gates {
		t.gates[v].Encode(b[v*GateSize:])
	}
	return b
}
