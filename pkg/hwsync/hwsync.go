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

// Package hwsync reads multi-field device registers that the device itself
// may update while they are being read.
//
// A read is performed with preemption deferred and non-maskable interrupts
// suppressed, and is accepted only if two complete snapshots agree and the
// device never reported an update in progress around either of them.
package hwsync

import (
	"errors"

	"github.com/cenkalti/backoff"
)

const (
	// MaxAttempts bounds the number of double-read attempts.
	MaxAttempts = 64

	// MaxBusyPolls bounds how long one attempt waits for the device to
	// finish an update.
	MaxBusyPolls = 1024
)

var (
	// ErrUnstable is returned when no attempt produced a consistent snapshot.
	ErrUnstable = errors.New("device register never stabilized")

	// ErrDeviceBusy is returned when the device never left its updating state.
	ErrDeviceBusy = errors.New("device stuck updating")

	errTorn = errors.New("snapshot overlapped an update")
)

// CriticalSection defers preemption while held.
type CriticalSection interface {
	EnterCritical()
	LeaveCritical()
}

// NMIMask suppresses and restores delivery of non-maskable interrupts.
type NMIMask interface {
	// DisableNMI suppresses NMIs and returns whether they were enabled.
	DisableNMI() bool
	// RestoreNMI restores the state returned by DisableNMI.
	RestoreNMI(wasEnabled bool)
}

// Guard is the context a hardware read runs in. Nil fields are skipped.
type Guard struct {
	Critical CriticalSection
	NMI      NMIMask
}

// Do runs fn inside the guard. The guard is released on every exit path.
func (g Guard) Do(fn func()) {
	if g.Critical != nil {
		g.Critical.EnterCritical()
		defer g.Critical.LeaveCritical()
	}
	if g.NMI != nil {
		was := g.NMI.DisableNMI()
		defer g.NMI.RestoreNMI(was)
	}
	fn()
}

// Device is a register block that reports when it is mid-update.
type Device[T comparable] interface {
	// Busy returns true while the device is updating its registers.
	Busy() bool
	// Snapshot reads every field of the register block.
	Snapshot() T
}

// waitIdle polls until dev is not busy.
func waitIdle[T comparable](dev Device[T]) error {
	for i := 0; i < MaxBusyPolls; i++ {
		if !dev.Busy() {
			return nil
		}
	}
	return ErrDeviceBusy
}

// TryStableLoad performs a single double-read attempt. It returns
// (unspecified, false) if the read raced with a device update.
//
// Preconditions: the caller holds a Guard.
func TryStableLoad[T comparable](dev Device[T]) (val T, ok bool) {
	if dev.Busy() {
		return val, false
	}
	first := dev.Snapshot()
	if dev.Busy() {
		return val, false
	}
	second := dev.Snapshot()
	if dev.Busy() || first != second {
		return val, false
	}
	return second, true
}

// StableLoad returns a snapshot of dev that did not overlap any device
// update.
func StableLoad[T comparable](g Guard, dev Device[T]) (T, error) {
	var (
		val T
		err error
	)
	g.Do(func() {
		op := func() error {
			if err := waitIdle(dev); err != nil {
				return backoff.Permanent(err)
			}
			v, ok := TryStableLoad(dev)
			if !ok {
				return errTorn
			}
			val = v
			return nil
		}
		err = backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, MaxAttempts-1))
	})
	if errors.Is(err, errTorn) {
		return val, ErrUnstable
	}
	return val, err
}
