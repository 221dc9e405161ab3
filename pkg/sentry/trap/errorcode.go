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

package trap

import "fmt"

// ErrorCode is the error code the processor pushes for a page fault.
type ErrorCode uint32

// Page fault error code bits.
const (
	// Present is set for a protection violation on a present page and
	// clear for a non-present page.
	Present ErrorCode = 1 << iota
	Write
	User
	Reserved
	InstructionFetch
)

// The eight recognized page fault codes.
const (
	FaultKernelRead     = ErrorCode(0)
	FaultKernelReadGPF  = Present
	FaultKernelWrite    = Write
	FaultKernelWriteGPF = Write | Present
	FaultUserRead       = User
	FaultUserReadGPF    = User | Present
	FaultUserWrite      = User | Write
	FaultUserWriteGPF   = User | Write | Present
)

// IsWrite returns true if the faulting access was a write.
func (c ErrorCode) IsWrite() bool { return c&Write != 0 }

// IsUser returns true if the faulting access came from ring 3.
func (c ErrorCode) IsUser() bool { return c&User != 0 }

// IsProtection returns true if the page was present and the fault is a
// protection violation.
func (c ErrorCode) IsProtection() bool { return c&Present != 0 }

// Reason describes why the fault happened.
func (c ErrorCode) Reason() string {
	switch {
	case c&Reserved != 0:
		return "page table has reserved bit set"
	case c&InstructionFetch != 0:
		return "instruction fetch"
	case c.IsWrite() && c.IsProtection():
		return "page protection violation (write)"
	case c.IsWrite():
		return "write to non-present page"
	case c.IsProtection():
		return "page protection violation (read)"
	default:
		return "read from non-present page"
	}
}

func (c ErrorCode) String() string {
	mode := "kernel"
	if c.IsUser() {
		mode = "user"
	}
	return fmt.Sprintf("%s %s (%#x)", mode, c.Reason(), uint32(c))
}

// Kind is the symbolic access kind of a page fault.
type Kind int

// Fault kinds.
const (
	KindUnknown Kind = iota
	KindRead
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "Read"
	case KindWrite:
		return "Write"
	default:
		return "Unknown"
	}
}

// KindOf maps an error code onto a Kind. Non-present faults and protection
// faults of the same access share a kind; use ErrorCode.IsProtection to tell
// them apart. Codes with the reserved or instruction fetch bits set are
// Unknown.
func KindOf(c ErrorCode) Kind {
	switch c {
	case FaultUserRead, FaultUserReadGPF, FaultKernelRead, FaultKernelReadGPF:
		return KindRead
	case FaultUserWrite, FaultUserWriteGPF, FaultKernelWrite, FaultKernelWriteGPF:
		return KindWrite
	default:
		return KindUnknown
	}
}
