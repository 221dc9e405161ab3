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

// Package ring0 holds the i386 structures the processor consults when it
// delivers an exception or interrupt: the interrupt descriptor table, the
// task state segment used for double-fault recovery, and the register frame
// pushed by the entry stubs.
package ring0

import "fmt"

// Vector is an exception or interrupt vector.
type Vector uint8

// Exception vectors.
const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
	_
	X87FloatingPointException
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException
	VirtualizationException
	ControlProtectionException
)

const (
	// NumVectors is the size of the interrupt descriptor table.
	NumVectors = 256

	// NumReserved is the number of vectors reserved for processor
	// exceptions. Every one of them must have a gate before interrupts are
	// unmasked.
	NumReserved = 32

	// IRQBase is the vector the first legacy IRQ line is remapped to.
	IRQBase Vector = NumReserved

	// NumIRQs is the number of legacy IRQ lines.
	NumIRQs = 16
)

var vectorNames = map[Vector]string{
	DivideByZero:               "#DE",
	Debug:                      "#DB",
	NMI:                        "NMI",
	Breakpoint:                 "#BP",
	Overflow:                   "#OF",
	BoundRangeExceeded:         "#BR",
	InvalidOpcode:              "#UD",
	DeviceNotAvailable:         "#NM",
	DoubleFault:                "#DF",
	CoprocessorSegmentOverrun:  "#CSO",
	InvalidTSS:                 "#TS",
	SegmentNotPresent:          "#NP",
	StackSegmentFault:          "#SS",
	GeneralProtectionFault:     "#GP",
	PageFault:                  "#PF",
	X87FloatingPointException:  "#MF",
	AlignmentCheck:             "#AC",
	MachineCheck:               "#MC",
	SIMDFloatingPointException: "#XM",
	VirtualizationException:    "#VE",
	ControlProtectionException: "#CP",
}

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	if name, ok := vectorNames[v]; ok {
		return name
	}
	if v.IsIRQ() {
		return fmt.Sprintf("IRQ%d", v.IRQ())
	}
	if v.IsReserved() {
		return fmt.Sprintf("reserved(%d)", uint8(v))
	}
	return fmt.Sprintf("vector(%d)", uint8(v))
}

// IsReserved returns true for processor exception vectors.
func (v Vector) IsReserved() bool {
	return v < NumReserved
}

// IsIRQ returns true for the vectors legacy IRQ lines are remapped to.
func (v Vector) IsIRQ() bool {
	return v >= IRQBase && v < IRQBase+NumIRQs
}

// IRQ returns the IRQ line for v.
//
// Preconditions: v.IsIRQ().
func (v Vector) IRQ() int {
	return int(v - IRQBase)
}

// IRQVector returns the vector for IRQ line irq.
func IRQVector(irq int) Vector {
	return IRQBase + Vector(irq)
}

// HasErrorCode returns true if the processor pushes an error code for v.
func (v Vector) HasErrorCode() bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GeneralProtectionFault, PageFault, AlignmentCheck, ControlProtectionException:
		return true
	}
	return false
}
