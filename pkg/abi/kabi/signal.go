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

// Package kabi contains the definitions shared between the kernel and its
// processes: signal numbers and the masks built from them.
package kabi

import (
	"fmt"
	"math/bits"
)

const (
	// FirstSignal is the lowest deliverable signal number.
	FirstSignal = 1

	// LastSignal is the highest deliverable signal number.
	LastSignal = 31

	// NumSignals is the number of entries in any table indexed by signal
	// number, including the null signal and NSIG.
	NumSignals = int(NSIG) + 1
)

// Signal is a signal number.
//
// The numbering is the kernel's own and follows the BSD layout (SIGBUS is 10,
// SIGSYS is 12, SIGUSR1 is 30), not the Linux one.
type Signal int

// Signals.
const (
	SIGHUP    = Signal(1)
	SIGINT    = Signal(2)
	SIGQUIT   = Signal(3)
	SIGILL    = Signal(4)
	SIGTRAP   = Signal(5)
	SIGABRT   = Signal(6)
	SIGEMT    = Signal(7)
	SIGFPE    = Signal(8)
	SIGKILL   = Signal(9)
	SIGBUS    = Signal(10)
	SIGSEGV   = Signal(11)
	SIGSYS    = Signal(12)
	SIGPIPE   = Signal(13)
	SIGALRM   = Signal(14)
	SIGTERM   = Signal(15)
	SIGURG    = Signal(16)
	SIGSTOP   = Signal(17)
	SIGTSTP   = Signal(18)
	SIGCONT   = Signal(19)
	SIGCHLD   = Signal(20)
	SIGTTIN   = Signal(21)
	SIGTTOU   = Signal(22)
	SIGIO     = Signal(23)
	SIGXCPU   = Signal(24)
	SIGXFSZ   = Signal(25)
	SIGVTALRM = Signal(26)
	SIGPROF   = Signal(27)
	SIGWINCH  = Signal(28)
	SIGLOST   = Signal(29)
	SIGUSR1   = Signal(30)
	SIGUSR2   = Signal(31)

	// NSIG is one past the last signal. It has a table slot but is never
	// delivered.
	NSIG = Signal(32)
)

var signalNames = [NumSignals]string{
	"0",
	"SIGHUP",
	"SIGINT",
	"SIGQUIT",
	"SIGILL",
	"SIGTRAP",
	"SIGABRT",
	"SIGEMT",
	"SIGFPE",
	"SIGKILL",
	"SIGBUS",
	"SIGSEGV",
	"SIGSYS",
	"SIGPIPE",
	"SIGALRM",
	"SIGTERM",
	"SIGURG",
	"SIGSTOP",
	"SIGTSTP",
	"SIGCONT",
	"SIGCHLD",
	"SIGTTIN",
	"SIGTTOU",
	"SIGIO",
	"SIGXCPU",
	"SIGXFSZ",
	"SIGVTALRM",
	"SIGPROF",
	"SIGWINCH",
	"SIGLOST",
	"SIGUSR1",
	"SIGUSR2",
	"NSIG",
}

// IsValid returns true if s is a deliverable signal. (0 is not considered
// valid; callers special-casing the null signal should check for 0 first.)
func (s Signal) IsValid() bool {
	return s >= FirstSignal && s <= LastSignal
}

// InTable returns true if s indexes a slot in signal-number tables, including
// the null signal and NSIG.
func (s Signal) InTable() bool {
	return s >= 0 && s <= NSIG
}

// String implements fmt.Stringer.String.
func (s Signal) String() string {
	if s.InTable() {
		return signalNames[s]
	}
	return fmt.Sprintf("signal %d", int(s))
}

// SignalFromName returns the signal with the given name, e.g. "SIGSEGV".
func SignalFromName(name string) (Signal, bool) {
	for i := FirstSignal; i <= LastSignal; i++ {
		if signalNames[i] == name {
			return Signal(i), true
		}
	}
	return 0, false
}

// SignalSet is a signal mask with a bit corresponding to each signal.
type SignalSet uint32

// MakeSignalSet returns SignalSet with the bit corresponding to each of the
// given signals set.
//
// Preconditions: every signal is valid.
func MakeSignalSet(sigs ...Signal) SignalSet {
	var set SignalSet
	for _, sig := range sigs {
		set |= SignalSetOf(sig)
	}
	return set
}

// SignalSetOf returns a SignalSet with a single signal set.
func SignalSetOf(sig Signal) SignalSet {
	return SignalSet(1) << uint(sig-1)
}

// Contains returns true if sig is in the set.
func (s SignalSet) Contains(sig Signal) bool {
	return sig.IsValid() && s&SignalSetOf(sig) != 0
}

// ForEachSignal invokes f for each signal set in the given mask, lowest
// first.
func ForEachSignal(mask SignalSet, f func(sig Signal)) {
	for m := uint32(mask); m != 0; m &= m - 1 {
		f(Signal(bits.TrailingZeros32(m) + 1))
	}
}
