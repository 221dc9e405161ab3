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
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/trapcore/pkg/abi/kabi"
	"gvisor.dev/trapcore/pkg/eventchannel"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/pkg/sentry/mm"
)

// ProcessID is a process identifier.
type ProcessID int32

// String implements fmt.Stringer.
func (pid ProcessID) String() string {
	return fmt.Sprintf("%d", pid)
}

var (
	// ErrInvalidSignal is returned for a signal number outside the table.
	ErrInvalidSignal = errors.New("invalid signal")

	// ErrProcessExited is returned when signalling a process that has exited.
	ErrProcessExited = errors.New("process has exited")
)

// FatalSignalTag tags the panic raised by a Fatal signal.
const FatalSignalTag = "FATAL_SIGNAL"

// ExitStatus is how a process exited.
type ExitStatus struct {
	// Code is the exit code, if Signaled is false.
	Code int

	// Signaled is true if a signal terminated the process.
	Signaled bool
	Signal   kabi.Signal
}

func (es ExitStatus) String() string {
	if es.Signaled {
		return fmt.Sprintf("killed by %v", es.Signal)
	}
	return fmt.Sprintf("exited with code %d", es.Code)
}

// Process is a process: an address space and its threads.
type Process struct {
	k    *Kernel
	pid  ProcessID
	name string
	as   *mm.PageDirectory

	// mu protects the fields below.
	mu      sync.Mutex
	threads []*Thread
	pending kabi.SignalSet
	exited  bool
	status  ExitStatus
}

// PID returns the process ID.
func (p *Process) PID() ProcessID {
	return p.pid
}

// Name returns the process name.
func (p *Process) Name() string {
	return p.name
}

// AddressSpace returns the process page directory.
func (p *Process) AddressSpace() *mm.PageDirectory {
	return p.as
}

// Threads returns the threads of p.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Thread(nil), p.threads...)
}

// Pending returns the signals queued for p.
func (p *Process) Pending() kabi.SignalSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// ExitStatus returns the exit status and whether p has exited.
func (p *Process) ExitStatus() (ExitStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.exited
}

// Kill sends sig to p and applies its default action:
//
//   - NoKill signals are queued and p keeps running.
//   - Kill signals terminate p. It leaves the process table and its threads
//     die.
//   - Fatal signals panic the kernel; Kill does not return.
func (p *Process) Kill(sig kabi.Signal) error {
	sev, ok := LookupSeverity(sig)
	if !ok || !sig.IsValid() {
		return fmt.Errorf("signal %d to process %d: %w", int(sig), p.pid, ErrInvalidSignal)
	}

	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return fmt.Errorf("%v to process %d: %w", sig, p.pid, ErrProcessExited)
	}
	switch sev {
	case NoKill:
		p.pending |= kabi.SignalSetOf(sig)
		p.mu.Unlock()
		log.Debugf("Process %d (%s): %v queued", p.pid, p.name, sig)
		return nil
	case Kill:
		p.exited = true
		p.status = ExitStatus{Signaled: true, Signal: sig}
		threads := p.threads
		p.mu.Unlock()
		for _, t := range threads {
			t.markDead()
		}
		p.k.reap(p, threads)
		p.k.emit(eventchannel.KilledEvent(int32(p.pid), sig.String(), sev.String()))
		p.k.faultLog.Infof("Process %d (%s) killed by %v", p.pid, p.name, sig)
		return nil
	default:
		p.mu.Unlock()
		p.k.panic.Panic(FatalSignalTag, "Process %d (%s) received fatal signal %v", p.pid, p.name, sig)
		return nil
	}
}

// Exit terminates p normally with code.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.status = ExitStatus{Code: code}
	threads := p.threads
	p.mu.Unlock()
	for _, t := range threads {
		t.markDead()
	}
	p.k.reap(p, threads)
}
