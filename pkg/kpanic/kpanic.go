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

// Package kpanic is the kernel panic boundary.
//
// A panic prints a banner on the console, logs it, and publishes a
// kernel_panic event. Panic then halts the processor; PanicNoHalt returns so
// the caller can print more diagnostics before halting itself.
package kpanic

import (
	"fmt"
	"io"
	"sync"

	"gvisor.dev/trapcore/pkg/cpu"
	"gvisor.dev/trapcore/pkg/eventchannel"
	"gvisor.dev/trapcore/pkg/log"
)

const rule = "-----------------------------------"

// Panicker reports kernel panics.
type Panicker struct {
	Console io.Writer
	CPU     cpu.CPU

	// Events receives a kernel_panic event per panic. It may be nil.
	Events eventchannel.Emitter

	mu      sync.Mutex
	count   int
	lastTag string
}

// Panic reports the panic and halts. It never returns.
func (p *Panicker) Panic(tag, format string, args ...any) {
	p.report(tag, fmt.Sprintf(format, args...), true)
	p.CPU.Halt(tag)
}

// PanicNoHalt reports the panic and returns with interrupts disabled.
func (p *Panicker) PanicNoHalt(tag, format string, args ...any) {
	p.report(tag, fmt.Sprintf(format, args...), false)
}

func (p *Panicker) report(tag, msg string, halting bool) {
	p.CPU.DisableInterrupts()

	p.mu.Lock()
	p.count++
	p.lastTag = tag
	p.mu.Unlock()

	fmt.Fprintf(p.Console, "\n%s\n", rule)
	fmt.Fprintf(p.Console, "[%s] %s\n", tag, msg)
	if halting {
		fmt.Fprintf(p.Console, "*** kernel panic: system halted ***\n")
	} else {
		fmt.Fprintf(p.Console, "*** kernel panic ***\n")
	}
	fmt.Fprintf(p.Console, "%s\n", rule)

	log.Warningf("Kernel panic [%s]: %s", tag, msg)
	if p.Events != nil {
		if _, err := p.Events.Emit(eventchannel.PanicEvent(tag, msg)); err != nil {
			log.Warningf("Failed to emit panic event: %v", err)
		}
	}
}

// Count returns the number of panics reported.
func (p *Panicker) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// LastTag returns the tag of the most recent panic, or "".
func (p *Panicker) LastTag() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTag
}
