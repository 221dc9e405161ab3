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

package rtc

import (
	"fmt"
	"sync"
	"time"

	"gvisor.dev/trapcore/pkg/ioport"
)

// Update is a scripted clock update. When the data port has been read At
// times in total, the time registers change to Time and status A reports
// an update in progress for the next Busy reads of it.
type Update struct {
	At   int
	Busy int
	Time time.Time
}

// SimCMOS is a simulated CMOS chip with a clock.
type SimCMOS struct {
	mu   sync.Mutex
	regs [128]uint8

	index       uint8
	nmiDisabled bool

	binary    bool
	hour12    bool
	noCentury bool

	reads       int
	maskedReads int
	busy        int
	updates     []Update
}

// NewSimCMOS returns a chip in BCD mode showing t.
func NewSimCMOS(t time.Time) *SimCMOS {
	s := &SimCMOS{}
	s.regs[RegStatusA] = 0x26
	s.regs[RegStatusB] = StatusHour24
	s.setTime(t)
	return s
}

// Attach registers the chip on bus.
func (s *SimCMOS) Attach(bus *ioport.Bus) error {
	if err := bus.Register(IndexPort, 2, s); err != nil {
		return fmt.Errorf("attaching CMOS: %w", err)
	}
	return nil
}

// SetHour12 switches the chip between 12-hour and 24-hour mode.
func (s *SimCMOS) SetHour12(hour12 bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.timeLocked()
	s.hour12 = hour12
	if hour12 {
		s.regs[RegStatusB] &^= StatusHour24
	} else {
		s.regs[RegStatusB] |= StatusHour24
	}
	s.setTime(t)
}

// SetBinary switches the chip between binary and BCD values.
func (s *SimCMOS) SetBinary(binary bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.timeLocked()
	s.binary = binary
	if binary {
		s.regs[RegStatusB] |= StatusBinaryMode
	} else {
		s.regs[RegStatusB] &^= StatusBinaryMode
	}
	s.setTime(t)
}

// SetNoCentury makes the century register read as zero, as on firmware
// that does not maintain it.
func (s *SimCMOS) SetNoCentury(none bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.timeLocked()
	s.noCentury = none
	s.setTime(t)
}

// SetTime sets the clock.
func (s *SimCMOS) SetTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTime(t)
}

// SetRegister sets a raw register.
func (s *SimCMOS) SetRegister(reg, v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg&0x7f] = v
}

// Register returns a raw register.
func (s *SimCMOS) Register(reg uint8) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[reg&0x7f]
}

// Schedule queues updates. They must be in increasing At order.
func (s *SimCMOS) Schedule(updates ...Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, updates...)
}

// SetBusy makes status A report an update in progress for the next n
// reads.
func (s *SimCMOS) SetBusy(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = n
}

// RaisePeriodic sets the periodic interrupt flag in status C.
func (s *SimCMOS) RaisePeriodic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[RegStatusC] |= 0xc0
}

// NMIDisabled returns the NMI bit of the last index write.
func (s *SimCMOS) NMIDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nmiDisabled
}

// Reads returns the number of data port reads, and how many of them were
// made with NMI disabled.
func (s *SimCMOS) Reads() (total, masked int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.maskedReads
}

func (s *SimCMOS) enc(v int) uint8 {
	if s.binary {
		return uint8(v)
	}
	return BinaryToBCD(uint8(v))
}

func (s *SimCMOS) setTime(t time.Time) {
	t = t.UTC()
	s.regs[RegSeconds] = s.enc(t.Second())
	s.regs[RegMinutes] = s.enc(t.Minute())
	if s.hour12 {
		h := t.Hour() % 12
		if h == 0 {
			h = 12
		}
		s.regs[RegHours] = s.enc(h)
		if t.Hour() >= 12 {
			s.regs[RegHours] |= HourPM
		}
	} else {
		s.regs[RegHours] = s.enc(t.Hour())
	}
	s.regs[RegWeekday] = s.enc(int(t.Weekday()) + 1)
	s.regs[RegDay] = s.enc(t.Day())
	s.regs[RegMonth] = s.enc(int(t.Month()))
	s.regs[RegYear] = s.enc(t.Year() % 100)
	if s.noCentury {
		s.regs[RegCentury] = 0
	} else {
		s.regs[RegCentury] = s.enc(t.Year() / 100)
	}
}

func (s *SimCMOS) timeLocked() time.Time {
	ts := Decode(Registers{
		Second:  s.regs[RegSeconds],
		Minute:  s.regs[RegMinutes],
		Hour:    s.regs[RegHours],
		Day:     s.regs[RegDay],
		Month:   s.regs[RegMonth],
		Year:    s.regs[RegYear],
		Century: s.regs[RegCentury],
	}, s.regs[RegStatusB])
	return time.Unix(ts, 0)
}

// In implements ioport.Device.In.
func (s *SimCMOS) In(off uint16, _ ioport.Width) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off == 0 {
		return 0xff
	}
	s.reads++
	if s.nmiDisabled {
		s.maskedReads++
	}
	for len(s.updates) > 0 && s.updates[0].At <= s.reads {
		u := s.updates[0]
		s.updates = s.updates[1:]
		s.setTime(u.Time)
		s.busy = u.Busy
	}
	v := s.regs[s.index]
	switch s.index {
	case RegStatusA:
		if s.busy > 0 {
			s.busy--
			v |= StatusUpdateInProgress
		}
	case RegStatusC:
		s.regs[RegStatusC] = 0
	}
	return uint32(v)
}

// Out implements ioport.Device.Out.
func (s *SimCMOS) Out(off uint16, _ ioport.Width, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off == 0 {
		s.index = uint8(v) &^ NMIDisable
		s.nmiDisabled = uint8(v)&NMIDisable != 0
		return
	}
	s.regs[s.index] = uint8(v)
}
