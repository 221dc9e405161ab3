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

package kernel

import (
	"fmt"

	"gvisor.dev/trapcore/pkg/sentry/trap"
)

// TrapType is the kind of trap a frame records.
type TrapType int

// Trap types.
const (
	TrapFault TrapType = iota
)

func (t TrapType) String() string {
	switch t {
	case TrapFault:
		return "Fault"
	default:
		return fmt.Sprintf("TrapType(%d)", int(t))
	}
}

// TrapFrame records that a thread is handling a trap. Frames form a per
// thread stack through prev and must be exited in reverse order.
type TrapFrame struct {
	prev   *TrapFrame
	linked bool

	Type  TrapType
	Fault *trap.Record
}

// NewFaultFrame returns an unlinked frame for rec.
func NewFaultFrame(rec *trap.Record) *TrapFrame {
	return &TrapFrame{Type: TrapFault, Fault: rec}
}

// Prev returns the enclosing frame, or nil for the outermost one.
func (f *TrapFrame) Prev() *TrapFrame {
	return f.prev
}

// EnterTrapFrame pushes f onto the thread's trap stack. f must not be on
// any stack.
func (t *Thread) EnterTrapFrame(f *TrapFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f.linked {
		panic(fmt.Sprintf("thread %d: trap frame %p entered twice", t.tid, f))
	}
	f.prev = t.trapFrame
	f.linked = true
	t.trapFrame = f
	t.trapDepth++
}

// ExitTrapFrame pops f, which must be the innermost frame.
func (t *Thread) ExitTrapFrame(f *TrapFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.trapFrame != f {
		panic(fmt.Sprintf("thread %d: exiting trap frame %p but innermost is %p", t.tid, f, t.trapFrame))
	}
	t.trapFrame = f.prev
	f.prev = nil
	f.linked = false
	t.trapDepth--
}

// TrapFrame returns the innermost frame, or nil.
func (t *Thread) TrapFrame() *TrapFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trapFrame
}

// TrapDepth returns the number of frames on the stack.
func (t *Thread) TrapDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trapDepth
}

// InTrap returns true if the thread is handling a trap.
func (t *Thread) InTrap() bool {
	return t.TrapDepth() > 0
}

// Nested returns true if the thread took a trap while handling another.
func (t *Thread) Nested() bool {
	return t.TrapDepth() > 1
}
