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

import "encoding/binary"

// TSSSize is the size of a 32-bit task state segment.
const TSSSize = 104

// TaskState32 is a 32-bit task state segment.
type TaskState32 struct {
	Link uint16

	ESP0 uint32
	SS0  uint16
	ESP1 uint32
	SS1  uint16
	ESP2 uint32
	SS2  uint16

	CR3    uint32
	EIP    uint32
	EFLAGS uint32

	EAX, ECX, EDX, EBX uint32
	ESP, EBP, ESI, EDI uint32

	ES, CS, SS, DS, FS, GS uint16

	LDT uint16

	// Trap raises a debug exception on task switch.
	Trap bool

	// IOMapBase is the offset of the I/O permission bitmap. A value at or
	// beyond the segment limit means there is no bitmap and all ports
	// fault from ring 3.
	IOMapBase uint16
}

// Encode returns the segment as the processor reads it.
func (t *TaskState32) Encode() [TSSSize]byte {
	var b [TSSSize]byte
	le := binary.LittleEndian
	le.PutUint16(b[0x00:], t.Link)
	le.PutUint32(b[0x04:], t.ESP0)
	le.PutUint16(b[0x08:], t.SS0)
	le.PutUint32(b[0x0c:], t.ESP1)
	le.PutUint16(b[0x10:], t.SS1)
	le.PutUint32(b[0x14:], t.ESP2)
	le.PutUint16(b[0x18:], t.SS2)
	le.PutUint32(b[0x1c:], t.CR3)
	le.PutUint32(b[0x20:], t.EIP)
	le.PutUint32(b[0x24:], t.EFLAGS)
	le.PutUint32(b[0x28:], t.EAX)
	le.PutUint32(b[0x2c:], t.ECX)
	le.PutUint32(b[0x30:], t.EDX)
	le.PutUint32(b[0x34:], t.EBX)
	le.PutUint32(b[0x38:], t.ESP)
	le.PutUint32(b[0x3c:], t.EBP)
	le.PutUint32(b[0x40:], t.ESI)
	le.PutUint32(b[0x44:], t.EDI)
	le.PutUint16(b[0x48:], t.ES)
	le.PutUint16(b[0x4c:], t.CS)
	le.PutUint16(b[0x50:], t.SS)
	le.PutUint16(b[0x54:], t.DS)
	le.PutUint16(b[0x58:], t.FS)
	le.PutUint16(b[0x5c:], t.GS)
	le.PutUint16(b[0x60:], t.LDT)
	if t.Trap {
		b[0x64] = 1
	}
	le.PutUint16(b[0x66:], t.IOMapBase)
	return b
}
