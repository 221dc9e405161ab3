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

	"gvisor.dev/trapcore/pkg/abi/kabi"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/pkg/ring0"
	"gvisor.dev/trapcore/pkg/sentry/trap"
)

// HandleFault is the common handler for processor exceptions. It is
// installed for every reserved vector except the double fault.
//
// CR2 is captured before anything else runs. The fault is classified from
// the current scheduler state and then either panics, is delivered to the
// current process as a signal inside a trap frame, or is passed to the
// memory manager.
func (k *Kernel) HandleFault(regs *ring0.Registers) {
	addr := k.cpu.ReadCR2()
	rec := trap.NewRecord(regs, addr)

	t := k.CurrentThread()
	in := trap.InputOf(rec, t != nil, t != nil && t.IsKernelMode(), k.IsPreempting(), k.TaskingEnabled())

	switch r := trap.Classify(in).(type) {
	case trap.RoutePanic:
		k.panic.Panic(r.Tag, "%s", r.Message)

	case trap.RouteSignal:
		k.deliverFault(t, rec, r.Signal)

	case trap.RouteResolve:
		switch r.Resolver {
		case trap.ResolveMemoryManager:
			k.mm.PageFaultHandler(regs, rec.Addr)
		case trap.ResolveThread:
			k.resolvePageFault(t, rec)
		default:
			panic(fmt.Sprintf("unknown resolver %v", r.Resolver))
		}

	default:
		panic(fmt.Sprintf("unknown route %T", r))
	}
}

// deliverFault sends sig to the process of t from inside a trap frame.
func (k *Kernel) deliverFault(t *Thread, rec *trap.Record, sig kabi.Signal) {
	f := NewFaultFrame(rec)
	t.EnterTrapFrame(f)
	defer t.ExitTrapFrame(f)

	k.faultLog.Infof("Process %d (%s) thread %d: %v, sending %v", t.proc.pid, t.proc.name, t.tid, rec, sig)
	if err := t.proc.Kill(sig); err != nil {
		log.Warningf("Delivering %v to process %d: %v", sig, t.proc.pid, err)
	}
}

// resolvePageFault handles a user page fault. Faults the memory manager
// can resolve resume without a trap frame.
func (k *Kernel) resolvePageFault(t *Thread, rec *trap.Record) {
	if k.mm.TryResolve(t.proc.as, rec) {
		log.Debugf("Process %d: resolved %v", t.proc.pid, rec)
		return
	}
	f := NewFaultFrame(rec)
	t.EnterTrapFrame(f)
	defer t.ExitTrapFrame(f)
	t.HandlePageFault(rec)
}
