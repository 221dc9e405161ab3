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

// Package trap classifies processor exceptions into the action the kernel
// takes for them.
//
// Classification is pure: it reads only the Input and never touches the
// scheduler, the memory manager or the hardware. The dispatcher in package
// kernel performs the returned Route.
package trap

import (
	"fmt"

	"gvisor.dev/trapcore/pkg/abi/kabi"
	"gvisor.dev/trapcore/pkg/ring0"
)

// Record describes a single fault.
type Record struct {
	Vector    ring0.Vector
	ErrorCode ErrorCode

	// Addr is the faulting linear address. It is only meaningful for page
	// faults, where it is captured from CR2 before anything else runs.
	Addr uint32

	Kind Kind
	Regs *ring0.Registers
}

// NewRecord builds the record for regs. addr is the value of CR2.
func NewRecord(regs *ring0.Registers, addr uint32) *Record {
	r := &Record{
		Vector:    ring0.Vector(regs.Vector),
		ErrorCode: ErrorCode(regs.ErrorCode),
		Regs:      regs,
	}
	if r.Vector == ring0.PageFault {
		r.Addr = addr
		r.Kind = KindOf(r.ErrorCode)
	}
	return r
}

// Protection returns true if the fault hit a present page.
func (r *Record) Protection() bool {
	return r.ErrorCode.IsProtection()
}

// EIP returns the faulting instruction pointer.
func (r *Record) EIP() uint32 {
	if r.Regs == nil {
		return 0
	}
	return r.Regs.EIP
}

func (r *Record) String() string {
	if r.Vector == ring0.PageFault {
		return fmt.Sprintf("%v at 0x%x (%v, %v) eip 0x%x", r.Vector, r.Addr, r.Kind, r.ErrorCode, r.EIP())
	}
	return fmt.Sprintf("%v eip 0x%x", r.Vector, r.EIP())
}

// Input is the state a fault is classified against.
type Input struct {
	Vector    ring0.Vector
	ErrorCode ErrorCode
	Addr      uint32
	EIP       uint32

	// HasThread is false when no thread is current.
	HasThread bool

	// KernelMode is true when the current thread was running kernel code.
	KernelMode bool

	// Preempting is true while the scheduler is switching threads.
	Preempting bool

	// TaskingEnabled is false until the scheduler starts.
	TaskingEnabled bool
}

// InputOf combines a record with scheduler state.
func InputOf(r *Record, hasThread, kernelMode, preempting, tasking bool) Input {
	return Input{
		Vector:         r.Vector,
		ErrorCode:      r.ErrorCode,
		Addr:           r.Addr,
		EIP:            r.EIP(),
		HasThread:      hasThread,
		KernelMode:     kernelMode,
		Preempting:     preempting,
		TaskingEnabled: tasking,
	}
}

// Route is the action for a fault. It is one of RoutePanic, RouteSignal or
// RouteResolve.
type Route interface {
	isRoute()
}

// RoutePanic halts the system.
type RoutePanic struct {
	Tag     string
	Message string
}

// RouteSignal delivers a signal to the current process.
type RouteSignal struct {
	Signal kabi.Signal
}

// Resolver names who resolves a page fault.
type Resolver int

// Resolvers.
const (
	// ResolveThread hands the fault to the current thread's address space.
	ResolveThread Resolver = iota

	// ResolveMemoryManager hands the fault to the kernel memory manager.
	ResolveMemoryManager
)

func (r Resolver) String() string {
	switch r {
	case ResolveThread:
		return "thread"
	case ResolveMemoryManager:
		return "memory manager"
	default:
		return fmt.Sprintf("Resolver(%d)", int(r))
	}
}

// RouteResolve passes a page fault on for resolution.
type RouteResolve struct {
	Resolver Resolver
}

func (RoutePanic) isRoute()   {}
func (RouteSignal) isRoute()  {}
func (RouteResolve) isRoute() {}

// fault is the fixed policy for a vector that delivers a signal.
type fault struct {
	tag      string
	advisory string
	signal   kabi.Signal
}

var (
	divideByZero = fault{"DIVIDE_BY_ZERO", "Please don't do that.", kabi.SIGILL}
	generalFault = fault{"GENERAL_PROTECTION_FAULT", "How did you manage to do that?", kabi.SIGILL}
	unknownFault = fault{"UNKNOWN_FAULT", "What did you do?", kabi.SIGILL}
)

// PageFaultTag tags the panic for a page fault taken in kernel mode.
const PageFaultTag = "PAGE_FAULT"

// Classify returns the route for in. It has no side effects.
func Classify(in Input) Route {
	switch in.Vector {
	case ring0.PageFault:
		return classifyPageFault(in)
	case ring0.DivideByZero:
		return classifySignal(in, divideByZero)
	case ring0.GeneralProtectionFault:
		return classifySignal(in, generalFault)
	default:
		return classifySignal(in, unknownFault)
	}
}

func classifySignal(in Input, f fault) Route {
	if !in.TaskingEnabled || !in.HasThread || in.KernelMode || in.Preempting {
		return RoutePanic{
			Tag:     f.tag,
			Message: fmt.Sprintf("%s\nFault %d at 0x%x", f.advisory, uint8(in.Vector), in.EIP),
		}
	}
	return RouteSignal{Signal: f.signal}
}

func classifyPageFault(in Input) Route {
	kind := KindOf(in.ErrorCode)
	if in.Preempting || kind == KindUnknown || !in.HasThread {
		return RouteResolve{Resolver: ResolveMemoryManager}
	}
	if in.KernelMode {
		return RoutePanic{
			Tag:     PageFaultTag,
			Message: fmt.Sprintf("%s at 0x%x\nFault %d at 0x%x", in.ErrorCode.Reason(), in.Addr, uint8(in.Vector), in.EIP),
		}
	}
	return RouteResolve{Resolver: ResolveThread}
}

// Tag returns the panic tag used for a fault on v when it cannot be
// delivered as a signal.
func Tag(v ring0.Vector) string {
	switch v {
	case ring0.PageFault:
		return PageFaultTag
	case ring0.DivideByZero:
		return divideByZero.tag
	case ring0.GeneralProtectionFault:
		return generalFault.tag
	default:
		return unknownFault.tag
	}
}
