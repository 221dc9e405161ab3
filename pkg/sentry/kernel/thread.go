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
	"sync"

	"gvisor.dev/trapcore/pkg/abi/kabi"
	"gvisor.dev/trapcore/pkg/sentry/trap"
)

// ThreadID is a thread identifier.
type ThreadID int32

// String implements fmt.Stringer.
func (tid ThreadID) String() string {
	return fmt.Sprintf("%d", tid)
}

// Thread is a thread of a process.
type Thread struct {
	tid  ThreadID
	proc *Process

	// mu protects the fields below.
	mu         sync.Mutex
	kernelMode bool
	dead       bool
	trapFrame  *TrapFrame
	trapDepth  int
}

// ID returns the thread ID.
func (t *Thread) ID() ThreadID {
	return t.tid
}

// Process returns the owning process.
func (t *Thread) Process() *Process {
	return t.proc
}

// IsKernelMode returns true while the thread runs kernel code.
func (t *Thread) IsKernelMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kernelMode
}

// SetKernelMode records a transition into or out of the kernel.
func (t *Thread) SetKernelMode(kernel bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kernelMode = kernel
}

// Dead returns true once the owning process has exited.
func (t *Thread) Dead() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dead
}

func (t *Thread) markDead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dead = true
}

// HandlePageFault handles a user page fault that the memory manager could
// not resolve. The thread is inside a trap frame for rec.
func (t *Thread) HandlePageFault(rec *trap.Record) {
	k := t.proc.k
	k.faultLog.Infof("Process %d (%s) thread %d: segmentation fault at 0x%x (%v), eip 0x%x",
		t.proc.pid, t.proc.name, t.tid, rec.Addr, rec.ErrorCode, rec.EIP())
	if err := t.proc.Kill(kabi.SIGSEGV); err != nil {
		k.faultLog.Warningf("Delivering SIGSEGV to process %d: %v", t.proc.pid, err)
	}
}
