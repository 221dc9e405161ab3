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

// Package rtc drives the CMOS real time clock.
//
// The clock registers are updated by the device once a second. Reads go
// through hwsync.StableLoad so a timestamp is never assembled from fields
// of two different seconds.
package rtc

import (
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/trapcore/pkg/hwsync"
	"gvisor.dev/trapcore/pkg/log"
)

const (
	// IRQ is the clock's interrupt line.
	IRQ = 8

	// FrequencyDivider is the base oscillator frequency.
	FrequencyDivider = 32768

	// DefaultFrequency is the periodic interrupt rate set by Enable.
	DefaultFrequency = 1024

	minRate = 2
	maxRate = 14

	epoch   = 1970
	maxYear = 2100
)

// Registers is one consistent read of the clock registers.
type Registers struct {
	Second  uint8
	Minute  uint8
	Hour    uint8
	Day     uint8
	Month   uint8
	Year    uint8
	Century uint8
}

// RTC is the real time clock.
type RTC struct {
	cmos  *CMOS
	guard hwsync.Guard

	frequency atomic.Int32
	ticks     atomic.Uint64
}

// New returns the clock behind cmos. crit is the kernel critical section
// reads and reprogramming run in; it may be nil before tasking starts.
func New(cmos *CMOS, crit hwsync.CriticalSection) *RTC {
	return &RTC{
		cmos:  cmos,
		guard: hwsync.Guard{Critical: crit, NMI: cmos},
	}
}

// Busy implements hwsync.Device.Busy.
func (r *RTC) Busy() bool {
	return r.cmos.Read(RegStatusA)&StatusUpdateInProgress != 0
}

// Snapshot implements hwsync.Device.Snapshot.
func (r *RTC) Snapshot() Registers {
	return Registers{
		Second:  r.cmos.Read(RegSeconds),
		Minute:  r.cmos.Read(RegMinutes),
		Hour:    r.cmos.Read(RegHours),
		Day:     r.cmos.Read(RegDay),
		Month:   r.cmos.Read(RegMonth),
		Year:    r.cmos.Read(RegYear),
		Century: r.cmos.Read(RegCentury),
	}
}

// ReadRegisters returns a consistent read of the clock registers and
// status B.
func (r *RTC) ReadRegisters() (Registers, uint8, error) {
	regs, err := hwsync.StableLoad[Registers](r.guard, r)
	if err != nil {
		return Registers{}, 0, fmt.Errorf("reading RTC: %w", err)
	}
	return regs, r.cmos.Read(RegStatusB), nil
}

// Timestamp returns the clock as seconds since the Unix epoch. It returns
// 0 if the clock holds a year outside 1970-2100.
func (r *RTC) Timestamp() (int64, error) {
	regs, statusB, err := r.ReadRegisters()
	if err != nil {
		return 0, err
	}
	return Decode(regs, statusB), nil
}

// Time returns the clock as a time.Time in UTC.
func (r *RTC) Time() (time.Time, error) {
	ts, err := r.Timestamp()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts, 0).UTC(), nil
}

// Decode converts raw clock registers to seconds since the Unix epoch.
//
// A zero century register means the firmware does not maintain it; two
// digit years 00-69 are then 2000-2069 and 70-99 are 1970-1999. In 12-hour
// mode 12 AM is midnight and 12 PM is noon.
func Decode(regs Registers, statusB uint8) int64 {
	conv := BCDToBinary
	if statusB&StatusBinaryMode != 0 {
		conv = func(v uint8) uint8 { return v }
	}
	second, minute := int(conv(regs.Second)), int(conv(regs.Minute))
	var hour int
	if statusB&StatusHour24 != 0 {
		hour = int(conv(regs.Hour))
	} else {
		hour = int(conv(regs.Hour&^HourPM)) % 12
		if regs.Hour&HourPM != 0 {
			hour += 12
		}
	}
	day, month := int(conv(regs.Day)), int(conv(regs.Month))
	year, century := int(conv(regs.Year)), int(conv(regs.Century))

	switch {
	case century != 0:
		year += century * 100
	case year < 70:
		year += 2000
	default:
		year += 1900
	}
	if year < epoch || year > maxYear {
		return 0
	}
	if month < 1 || month > 12 {
		month = 1
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC).Unix()
}

// HandleIRQ acknowledges the periodic interrupt by reading status C, which
// the clock requires before it raises the next one.
func (r *RTC) HandleIRQ() {
	r.guard.Do(func() {
		r.cmos.Read(RegStatusC)
	})
	r.ticks.Add(1)
}

// Ticks returns the number of periodic interrupts handled.
func (r *RTC) Ticks() uint64 {
	return r.ticks.Load()
}

// Frequency returns the programmed periodic interrupt rate in Hz, or 0.
func (r *RTC) Frequency() int {
	return int(r.frequency.Load())
}

// Elapsed returns the time covered by the interrupts handled so far.
func (r *RTC) Elapsed() time.Duration {
	hz := r.Frequency()
	if hz == 0 {
		return 0
	}
	return time.Duration(r.Ticks()) * time.Second / time.Duration(hz)
}

// RateFor returns the status A rate selector for hz. ok is false unless hz
// divides the oscillator into a supported rate.
func RateFor(hz int) (rate uint8, ok bool) {
	if hz <= 0 || FrequencyDivider%hz != 0 {
		return 0, false
	}
	rate = 1
	for d := FrequencyDivider / hz; d > 1; d >>= 1 {
		rate++
	}
	if rate < minRate || rate > maxRate {
		return 0, false
	}
	return rate, true
}

// SetFrequency programs the periodic interrupt rate. It returns false for
// an unsupported rate.
func (r *RTC) SetFrequency(hz int) bool {
	rate, ok := RateFor(hz)
	if !ok {
		return false
	}
	r.guard.Do(func() {
		a := r.cmos.Read(RegStatusA)
		r.cmos.Write(RegStatusA, rate|(a&^rateMask))
	})
	r.frequency.Store(int32(hz))
	log.Debugf("RTC frequency %d Hz (rate %d)", hz, rate)
	return true
}

// Enable turns on the periodic interrupt at DefaultFrequency.
func (r *RTC) Enable() {
	r.guard.Do(func() {
		r.cmos.Write(RegStatusB, r.cmos.Read(RegStatusB)|StatusPeriodicInterrupt)
	})
	r.SetFrequency(DefaultFrequency)
}

// Disable turns off the periodic interrupt.
func (r *RTC) Disable() {
	r.guard.Do(func() {
		r.cmos.Write(RegStatusB, r.cmos.Read(RegStatusB)&^StatusPeriodicInterrupt)
	})
}
