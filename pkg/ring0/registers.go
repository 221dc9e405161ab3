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
	"fmt"
	"io"
)

// Registers is the frame built by the entry stubs: segment registers and
// general registers pushed by the stub, the vector and error code, and the
// frame pushed by the processor.
type Registers struct {
	GS, FS, ES, DS uint32

	EDI, ESI, EBP, ESP, EBX, EDX, ECX, EAX uint32

	// Vector is pushed by the stub. ErrorCode is pushed by the processor
	// for vectors that have one and is zero otherwise.
	Vector    uint32
	ErrorCode uint32

	// The return frame used by IRET. UserESP and SS are only valid when
	// the interrupted context was in ring 3.
	EIP     uint32
	CS      uint32
	EFLAGS  uint32
	UserESP uint32
	SS      uint32
}

// UserMode returns true if the interrupted context was running in ring 3.
func (r *Registers) UserMode() bool {
	return r.CS&3 == 3
}

// StackPointer returns the stack pointer of the interrupted context.
func (r *Registers) StackPointer() uint32 {
	if r.UserMode() {
		return r.UserESP
	}
	return r.ESP
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	fmt.Fprintf(w, "EAX = %08x EBX = %08x\n", r.EAX, r.EBX)
	fmt.Fprintf(w, "ECX = %08x EDX = %08x\n", r.ECX, r.EDX)
	fmt.Fprintf(w, "ESI = %08x EDI = %08x\n", r.ESI, r.EDI)
	fmt.Fprintf(w, "EBP = %08x ESP = %08x\n", r.EBP, r.StackPointer())
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "EIP = %08x CS  = %08x\n", r.EIP, r.CS)
	fmt.Fprintf(w, "EFL = %08x ERR = %08x\n", r.EFLAGS, r.ErrorCode)
}
