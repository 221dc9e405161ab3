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

// Package cpu describes the processor state the trap core touches directly:
// the interrupt flag, the fault address register and the halt instruction.
package cpu

import (
	"fmt"
	"sync"
)

// CPU is the per-processor control surface.
type CPU interface {
	// DisableInterrupts clears the interrupt flag.
	DisableInterrupts()

	// EnableInterrupts sets the interrupt flag.
	EnableInterrupts()

	// InterruptsEnabled returns the interrupt flag.
	InterruptsEnabled() bool

	// ReadCR2 returns the linear address of the last page fault. It must be
	// read before anything else can fault.
	ReadCR2() uint32

	// Halt disables interrupts and stops the processor. It never returns.
	Halt(reason string)
}

// HaltedError is the value a simulated processor unwinds with when halted.
type HaltedError struct {
	Reason string
}

// Error implements error.Error.
func (e *HaltedError) Error() string {
	return fmt.Sprintf("cpu halted: %s", e.Reason)
}

// Sim is a simulated processor.
type Sim struct {
	mu      sync.Mutex
	intr    bool
	cr2     uint32
	halts   int
	lastErr *HaltedError
}

var _ CPU = (*Sim)(nil)

// NewSim returns a processor as it comes out of reset: interrupts disabled.
func NewSim() *Sim {
	return &Sim{}
}

// DisableInterrupts implements CPU.DisableInterrupts.
func (s *Sim) DisableInterrupts() {
	s.mu.Lock()
	s.intr = false
	s.mu.Unlock()
}

// EnableInterrupts implements CPU.EnableInterrupts.
func (s *Sim) EnableInterrupts() {
	s.mu.Lock()
	s.intr = true
	s.mu.Unlock()
}

// InterruptsEnabled implements CPU.InterruptsEnabled.
func (s *Sim) InterruptsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intr
}

// SetCR2 loads the fault address register, as the processor does when it
// raises a page fault.
func (s *Sim) SetCR2(addr uint32) {
	s.mu.Lock()
	s.cr2 = addr
	s.mu.Unlock()
}

// ReadCR2 implements CPU.ReadCR2.
func (s *Sim) ReadCR2() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cr2
}

// Halt implements CPU.Halt. The calling goroutine unwinds with a
// *HaltedError; see RunUntilHalt.
func (s *Sim) Halt(reason string) {
	s.mu.Lock()
	s.intr = false
	s.halts++
	err := &HaltedError{Reason: reason}
	s.lastErr = err
	s.mu.Unlock()
	panic(err)
}

// Halts returns the number of times the processor was halted.
func (s *Sim) Halts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halts
}

// LastHalt returns the most recent halt, or nil.
func (s *Sim) LastHalt() *HaltedError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// RunUntilHalt runs fn and returns the halt that stopped it, or nil if fn
// returned normally. Panics other than a halt propagate.
func RunUntilHalt(fn func()) (halted *HaltedError) {
	defer func() {
		if r := recover(); r != nil {
			h, ok := r.(*HaltedError)
			if !ok {
				panic(r)
			}
			halted = h
		}
	}()
	fn()
	return nil
}
