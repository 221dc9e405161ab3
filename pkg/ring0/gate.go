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
	"encoding/binary"
	"fmt"
)

// Segment selectors of the kernel GDT.
const (
	Kcode          uint16 = 0x08
	Kdata          uint16 = 0x10
	Ucode          uint16 = 0x18 | 3
	Udata          uint16 = 0x20 | 3
	Ktss           uint16 = 0x28
	DoubleFaultTSS uint16 = 0x30
)

// GateType is the type field of a gate descriptor.
type GateType uint8

// Gate types.
const (
	TaskGate        GateType = 0x5
	InterruptGate32 GateType = 0xe
	TrapGate32      GateType = 0xf
)

func (t GateType) String() string {
	switch t {
	case TaskGate:
		return "task"
	case InterruptGate32:
		return "interrupt"
	case TrapGate32:
		return "trap"
	default:
		return fmt.Sprintf("type(%#x)", uint8(t))
	}
}

const (
	gatePresent = 1 << 7

	// GateSize is the size of an encoded descriptor.
	GateSize = 8
)

// Gate is one interrupt descriptor table entry.
type Gate struct {
	// Offset is the entry point. It is zero for task gates, which transfer
	// to the EIP stored in the target task state segment.
	Offset uint32

	// Selector is the code segment for interrupt and trap gates, or the TSS
	// selector for task gates.
	Selector uint16

	Type    GateType
	DPL     uint8
	Present bool
}

// Attr returns the type/attribute byte of the descriptor.
func (g Gate) Attr() uint8 {
	a := uint8(g.Type)&0xf | (g.DPL&3)<<5
	if g.Present {
		a |= gatePresent
	}
	return a
}

// Encode writes the 8-byte descriptor to b.
func (g Gate) Encode(b []byte) {
	_ = b[GateSize-1]
	binary.LittleEndian.PutUint16(b[0:], uint16(g.Offset))
	binary.LittleEndian.PutUint16(b[2:], g.Selector)
	b[4] = 0
	b[5] = g.Attr()
	binary.LittleEndian.PutUint16(b[6:], uint16(g.Offset>>16))
}

// DecodeGate parses an 8-byte descriptor.
func DecodeGate(b []byte) Gate {
	_ = b[GateSize-1]
	attr := b[5]
	return Gate{
		Offset:   uint32(binary.LittleEndian.Uint16(b[0:])) | uint32(binary.LittleEndian.Uint16(b[6:]))<<16,
		Selector: binary.LittleEndian.Uint16(b[2:]),
		Type:     GateType(attr & 0xf),
		DPL:      (attr >> 5) & 3,
		Present:  attr&gatePresent != 0,
	}
}

func (g Gate) String() string {
	if !g.Present {
		return "not present"
	}
	if g.Type == TaskGate {
		return fmt.Sprintf("task tss=%#04x attr=%#02x", g.Selector, g.Attr())
	}
	return fmt.Sprintf("%v sel=%#04x off=%#08x dpl=%d attr=%#02x", g.Type, g.Selector, g.Offset, g.DPL, g.Attr())
}
