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

// Package kernel is the tasking side of trap handling: processes and
// threads, the per-thread trap frame stack, signal severities, and the
// fault dispatcher.
//
// Scheduling policy is out of scope. The kernel only tracks which thread is
// current, whether the scheduler is switching, and critical sections.
package kernel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/trapcore/pkg/cpu"
	"gvisor.dev/trapcore/pkg/eventchannel"
	"gvisor.dev/trapcore/pkg/hwsync"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/pkg/sentry/mm"
)

// FaultLogInterval bounds how often user faults are logged.
const FaultLogInterval = 100 * time.Millisecond

// Panicker halts the system. Panic does not return.
type Panicker interface {
	Panic(tag, format string, args ...any)
}

// Config configures a Kernel.
type Config struct {
	CPU   cpu.CPU
	MM    *mm.MemoryManager
	Panic Panicker

	// Events receives process_killed events. It may be nil.
	Events eventchannel.Emitter

	// FaultLog logs user faults. If nil, a rate limited view of the global
	// logger is used.
	FaultLog log.Logger
}

// Kernel is the process table and scheduler state.
type Kernel struct {
	cpu      cpu.CPU
	mm       *mm.MemoryManager
	panic    Panicker
	events   eventchannel.Emitter
	faultLog log.Logger

	// mu protects the fields below.
	mu        sync.Mutex
	processes *btree.BTreeG[*Process]
	nextPID   ProcessID
	nextTID   ThreadID
	current   *Thread

	tasking    atomic.Bool
	preempting atomic.Bool

	// critMu protects the critical section state.
	critMu       sync.Mutex
	critDepth    int
	critSavedIF  bool
	yieldPending bool
}

var _ hwsync.CriticalSection = (*Kernel)(nil)

// New returns a kernel with an empty process table. Tasking starts
// disabled.
func New(cfg Config) (*Kernel, error) {
	if cfg.CPU == nil || cfg.MM == nil || cfg.Panic == nil {
		return nil, errors.New("kernel: CPU, memory manager and panicker are required")
	}
	faultLog := cfg.FaultLog
	if faultLog == nil {
		faultLog = log.BasicRateLimitedLogger(FaultLogInterval)
	}
	return &Kernel{
		cpu:       cfg.CPU,
		mm:        cfg.MM,
		panic:     cfg.Panic,
		events:    cfg.Events,
		faultLog:  faultLog,
		processes: btree.NewG(8, func(a, b *Process) bool { return a.pid < b.pid }),
		nextPID:   1,
		nextTID:   1,
	}, nil
}

// MemoryManager returns the memory manager.
func (k *Kernel) MemoryManager() *mm.MemoryManager {
	return k.mm
}

// StartTasking enables the scheduler.
func (k *Kernel) StartTasking() {
	k.tasking.Store(true)
	log.Infof("Tasking enabled")
}

// TaskingEnabled returns true once the scheduler has started.
func (k *Kernel) TaskingEnabled() bool {
	return k.tasking.Load()
}

// NewProcess creates a process with an empty address space.
func (k *Kernel) NewProcess(name string) (*Process, error) {
	as, err := k.mm.NewAddressSpace()
	if err != nil {
		return nil, fmt.Errorf("creating process %q: %w", name, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	p := &Process{k: k, pid: k.nextPID, name: name, as: as}
	k.nextPID++
	k.processes.ReplaceOrInsert(p)
	return p, nil
}

// NewThread adds a thread to p.
func (k *Kernel) NewThread(p *Process) (*Thread, error) {
	k.mu.Lock()
	tid := k.nextTID
	k.nextTID++
	k.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil, fmt.Errorf("new thread in process %d: %w", p.pid, ErrProcessExited)
	}
	t := &Thread{tid: tid, proc: p}
	p.threads = append(p.threads, t)
	return t, nil
}

// Process returns the live process with the given ID.
func (k *Kernel) Process(pid ProcessID) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes.Get(&Process{pid: pid})
}

// Processes returns the live processes in PID order.
func (k *Kernel) Processes() []*Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	ps := make([]*Process, 0, k.processes.Len())
	k.processes.Ascend(func(p *Process) bool {
		ps = append(ps, p)
		return true
	})
	return ps
}

// SetCurrent makes t the running thread. t may be nil.
func (k *Kernel) SetCurrent(t *Thread) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.current = t
}

// CurrentThread returns the running thread, or nil.
func (k *Kernel) CurrentThread() *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// CurrentProcess returns the process of the running thread, or nil.
func (k *Kernel) CurrentProcess() *Process {
	if t := k.CurrentThread(); t != nil {
		return t.proc
	}
	return nil
}

// reap removes an exited process from the table.
func (k *Kernel) reap(p *Process, threads []*Thread) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.processes.Delete(p)
	for _, t := range threads {
		if k.current == t {
			k.current = nil
		}
	}
}

func (k *Kernel) emit(msg proto.Message) {
	if k.events == nil {
		return
	}
	if _, err := k.events.Emit(msg); err != nil {
		log.Warningf("Failed to emit kernel event: %v", err)
	}
}

// BeginPreempt marks the scheduler as switching threads. It returns false,
// and records a pending yield, if a critical section defers preemption.
func (k *Kernel) BeginPreempt() bool {
	k.critMu.Lock()
	defer k.critMu.Unlock()
	if k.critDepth > 0 {
		k.yieldPending = true
		return false
	}
	k.preempting.Store(true)
	return true
}

// EndPreempt marks the end of a thread switch.
func (k *Kernel) EndPreempt() {
	k.preempting.Store(false)
}

// IsPreempting returns true while the scheduler is switching threads.
func (k *Kernel) IsPreempting() bool {
	return k.preempting.Load()
}

// EnterCritical implements hwsync.CriticalSection.EnterCritical. Critical
// sections nest; the outermost disables interrupts.
func (k *Kernel) EnterCritical() {
	k.critMu.Lock()
	defer k.critMu.Unlock()
	if k.critDepth == 0 {
		k.critSavedIF = k.cpu.InterruptsEnabled()
		k.cpu.DisableInterrupts()
	}
	k.critDepth++
}

// LeaveCritical implements hwsync.CriticalSection.LeaveCritical.
func (k *Kernel) LeaveCritical() {
	k.critMu.Lock()
	defer k.critMu.Unlock()
	if k.critDepth == 0 {
		panic("LeaveCritical without EnterCritical")
	}
	k.critDepth--
	if k.critDepth == 0 && k.critSavedIF {
		k.cpu.EnableInterrupts()
	}
}

// ScopedCritical runs fn in a critical section.
func (k *Kernel) ScopedCritical(fn func()) {
	k.EnterCritical()
	defer k.LeaveCritical()
	fn()
}

// InCritical returns true inside a critical section.
func (k *Kernel) InCritical() bool {
	k.critMu.Lock()
	defer k.critMu.Unlock()
	return k.critDepth > 0
}

// TakeYield reports and clears a preemption deferred by a critical section.
func (k *Kernel) TakeYield() bool {
	k.critMu.Lock()
	defer k.critMu.Unlock()
	y := k.yieldPending
	k.yieldPending = false
	return y
}
