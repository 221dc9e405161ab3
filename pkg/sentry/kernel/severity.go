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
)

// Severity is what an unhandled signal does to its target.
type Severity int

const (
	// NoKill signals never terminate a process by default.
	NoKill Severity = iota

	// Kill signals terminate the target process only.
	Kill

	// Fatal signals panic the kernel.
	Fatal
)

func (s Severity) String() string {
	switch s {
	case NoKill:
		return "NOKILL"
	case Kill:
		return "KILL"
	case Fatal:
		return "FATAL"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// severities is indexed by signal number, including 0 and NSIG.
//
// SIGILL and SIGSEGV must stay Kill: a user memory error terminates only
// its own process.
var severities = [kabi.NumSignals]Severity{
	0:            NoKill,
	kabi.SIGHUP:  Kill,
	kabi.SIGINT:  Kill,
	kabi.SIGQUIT: Fatal,
	kabi.SIGILL:  Kill,
	kabi.SIGTRAP: Fatal,
	kabi.SIGABRT: Fatal,
	kabi.SIGEMT:  Fatal,
	kabi.SIGFPE:  Fatal,
	kabi.SIGKILL: Kill,
	kabi.SIGBUS:  Fatal,

	kabi.SIGSEGV:   Kill,
	kabi.SIGSYS:    Fatal,
	kabi.SIGPIPE:   NoKill,
	kabi.SIGALRM:   NoKill,
	kabi.SIGTERM:   Kill,
	kabi.SIGURG:    NoKill,
	kabi.SIGSTOP:   NoKill,
	kabi.SIGTSTP:   NoKill,
	kabi.SIGCONT:   NoKill,
	kabi.SIGCHLD:   NoKill,
	kabi.SIGTTIN:   NoKill,
	kabi.SIGTTOU:   NoKill,
	kabi.SIGIO:     NoKill,
	kabi.SIGXCPU:   Fatal,
	kabi.SIGXFSZ:   Fatal,
	kabi.SIGVTALRM: NoKill,
	kabi.SIGPROF:   NoKill,
	kabi.SIGWINCH:  NoKill,
	kabi.SIGLOST:   Fatal,
	kabi.SIGUSR1:   NoKill,
	kabi.SIGUSR2:   NoKill,
	kabi.NSIG:      NoKill,
}

// LookupSeverity returns the severity of sig. ok is false if sig is outside
// the table.
func LookupSeverity(sig kabi.Signal) (sev Severity, ok bool) {
	if !sig.InTable() {
		return NoKill, false
	}
	return severities[sig], true
}

// SeverityOf returns the severity of sig, NoKill if it is outside the table.
func SeverityOf(sig kabi.Signal) Severity {
	sev, _ := LookupSeverity(sig)
	return sev
}

// NumSeverities returns the size of the severity table.
func NumSeverities() int {
	return len(severities)
}
