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
	"io"
	"sync/atomic"

	"gvisor.dev/trapcore/pkg/cpu"
)

const (
	// PageSize is the size of a page.
	PageSize = 4096

	// MinDoubleFaultStack is the smallest stack the recovery context may
	// run on. Printing and the stack walk need more than a single page.
	MinDoubleFaultStack = 4 * PageSize

	// DoubleFaultEntry is the address of the recovery routine.
	DoubleFaultEntry uint32 = StubBase - PageSize

	// initialEFLAGS has only the always-one reserved bit set, so the
	// recovery context runs with interrupts disabled.
	initialEFLAGS = 0x2
)

// ErrStackTooSmall is returned for a recovery stack below
// MinDoubleFaultStack.
var ErrStackTooSmall = errors.New("double fault stack too small")

// DoubleFaultState is the lifecycle state of the recovery context.
type DoubleFaultState int32

// Recovery context states. There is no transition back to Idle.
const (
	Idle DoubleFaultState = iota
	Active
	Halted
)

func (s DoubleFaultState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Active:
		return "Active"
	case Halted:
		return "Halted"
	default:
		return fmt.Sprintf("DoubleFaultState(%d)", int32(s))
	}
}

// MappingChecker reports whether an address is mapped in the kernel page
// directory.
type MappingChecker interface {
	IsMapped(addr uint32, user bool) bool
}

// StackTracer prints a frame pointer walk.
type StackTracer interface {
	PrintStackTrace(w io.Writer, ebp uint32)
}

// DiagnosticPanicker reports a kernel panic without halting.
type DiagnosticPanicker interface {
	PanicNoHalt(tag, format string, args ...any)
}

// DoubleFaultConfig is everything the recovery context needs. It is
// resolved once at boot; nothing here may allocate or take scheduler locks
// when the context is entered.
type DoubleFaultConfig struct {
	// PageDirectory is the physical address of the kernel page directory.
	PageDirectory uint32

	// StackBase and StackSize describe the preallocated stack.
	StackBase uint32
	StackSize uint32

	Memory  MappingChecker
	Tracer  StackTracer
	Panic   DiagnosticPanicker
	CPU     cpu.CPU
	Console io.Writer
}

// DoubleFaultContext is the task the processor switches to through the
// double fault task gate.
type DoubleFaultContext struct {
	tss   TaskState32
	cfg   DoubleFaultConfig
	state atomic.Int32
}

// NewDoubleFaultContext builds the recovery task.
func NewDoubleFaultContext(cfg DoubleFaultConfig) (*DoubleFaultContext, error) {
	if cfg.StackSize < MinDoubleFaultStack {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrStackTooSmall, cfg.StackSize, MinDoubleFaultStack)
	}
	if cfg.Memory == nil || cfg.Tracer == nil || cfg.Panic == nil || cfg.CPU == nil || cfg.Console == nil {
		return nil, errors.New("double fault context: incomplete configuration")
	}
	top := cfg.StackBase + cfg.StackSize
	d := &DoubleFaultContext{cfg: cfg}
	d.tss = TaskState32{
		SS0:       Kdata,
		ESP0:      top,
		ESP:       top,
		CS:        Kcode,
		SS:        Kdata,
		DS:        Kdata,
		ES:        Kdata,
		FS:        Kdata,
		GS:        Kdata,
		EFLAGS:    initialEFLAGS,
		CR3:       cfg.PageDirectory,
		EIP:       DoubleFaultEntry,
		IOMapBase: TSSSize,
	}
	return d, nil
}

// TSS returns the task state segment of the recovery task.
func (d *DoubleFaultContext) TSS() TaskState32 {
	return d.tss
}

// State returns the current state.
func (d *DoubleFaultContext) State() DoubleFaultState {
	return DoubleFaultState(d.state.Load())
}

// Enter runs the recovery routine for a double fault that interrupted
// regs. It never returns.
//
// The interrupted stack pointer is checked against the kernel page
// directory: if it is unmapped the fault was a stack overflow. The report
// and stack trace are written before the machine is halted.
func (d *DoubleFaultContext) Enter(regs *Registers) {
	if !d.state.CompareAndSwap(int32(Idle), int32(Active)) {
		d.state.Store(int32(Halted))
		fmt.Fprintf(d.cfg.Console, "Double fault during double fault recovery, halting.\n")
		d.cfg.CPU.Halt("DOUBLE_FAULT")
		return
	}

	// ESP is the kernel stack pointer even for a ring 3 frame; the user
	// stack lives in another page directory.
	esp := regs.ESP
	if !d.cfg.Memory.IsMapped(esp, false) {
		fmt.Fprintf(d.cfg.Console, "Kernel stack overflow detected!\n")
		fmt.Fprintf(d.cfg.Console, "ESP: 0x%x EBP: 0x%x EIP: 0x%x\n", esp, regs.EBP, regs.EIP)
	} else {
		fmt.Fprintf(d.cfg.Console, "Double fault at EIP: 0x%x ESP: 0x%x\n", regs.EIP, esp)
	}
	if regs.UserMode() {
		fmt.Fprintf(d.cfg.Console, "User ESP: 0x%x\n", regs.UserESP)
	}

	d.cfg.Tracer.PrintStackTrace(d.cfg.Console, regs.EBP)
	d.cfg.Panic.PanicNoHalt("DOUBLE_FAULT", "A double fault occurred. Something has gone horribly wrong.")

	d.state.Store(int32(Halted))
	d.cfg.CPU.Halt("DOUBLE_FAULT")
}
