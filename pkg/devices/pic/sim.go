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

package pic

import (
	"fmt"
	"math/bits"
	"sync"

	"gvisor.dev/trapcore/pkg/ioport"
)

// chip is one simulated 8259.
type chip struct {
	offset uint8

	// icw is the next initialization word expected, 0 outside
	// initialization.
	icw         int
	needICW4    bool
	readISR     bool
	initialized bool

	imr uint8 // interrupt mask
	irr uint8 // interrupt request
	isr uint8 // in service
}

func (c *chip) command(v uint8) {
	switch {
	case v&icw1Init != 0:
		c.icw = 2
		c.initialized = false
		c.needICW4 = v&icw1ICW4 != 0
		c.imr, c.isr, c.irr = 0, 0, 0
		c.readISR = false
	case v == EOICommand:
		if c.isr != 0 {
			c.isr &^= 1 << bits.TrailingZeros8(c.isr)
		}
	case v&0x18 == 0x08:
		switch v & 3 {
		case 2:
			c.readISR = false
		case 3:
			c.readISR = true
		}
	}
}

func (c *chip) data(v uint8) {
	switch c.icw {
	case 2:
		c.offset = v &^ 7
		c.icw = 3
	case 3:
		if c.needICW4 {
			c.icw = 4
		} else {
			c.icw, c.initialized = 0, true
		}
	case 4:
		c.icw, c.initialized = 0, true
	default:
		c.imr = v
	}
}

// pending returns the highest priority line that is requested, unmasked,
// and not blocked by one in service.
func (c *chip) pending() (int, bool) {
	ready := c.irr &^ c.imr
	if ready == 0 {
		return 0, false
	}
	line := bits.TrailingZeros8(ready)
	if c.isr != 0 && bits.TrailingZeros8(c.isr) <= line {
		return 0, false
	}
	return line, true
}

// Sim is a simulated controller pair. Register it on a bus with Attach.
type Sim struct {
	mu     sync.Mutex
	master chip
	slave  chip
}

// NewSim returns a controller pair in its power-on state, all lines
// masked.
func NewSim() *Sim {
	s := &Sim{}
	s.master.imr = 0xff
	s.slave.imr = 0xff
	return s
}

// Attach registers both chips on bus.
func (s *Sim) Attach(bus *ioport.Bus) error {
	if err := bus.Register(MasterCommand, 2, &chipPort{s: s, c: &s.master}); err != nil {
		return fmt.Errorf("attaching master PIC: %w", err)
	}
	if err := bus.Register(SlaveCommand, 2, &chipPort{s: s, c: &s.slave}); err != nil {
		return fmt.Errorf("attaching slave PIC: %w", err)
	}
	return nil
}

// chipPort is the command and data port pair of one chip.
type chipPort struct {
	s *Sim
	c *chip
}

// In implements ioport.Device.In.
func (p *chipPort) In(off uint16, _ ioport.Width) uint32 {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if off == 1 {
		return uint32(p.c.imr)
	}
	if p.c.readISR {
		return uint32(p.c.isr)
	}
	return uint32(p.c.irr)
}

// Out implements ioport.Device.Out.
func (p *chipPort) Out(off uint16, _ ioport.Width, v uint32) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if off == 1 {
		p.c.data(uint8(v))
	} else {
		p.c.command(uint8(v))
	}
}

// Raise asserts irq.
func (s *Sim) Raise(irq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if irq < 8 {
		s.master.irr |= 1 << irq
		return
	}
	s.slave.irr |= 1 << (irq - 8)
	s.master.irr |= 1 << CascadeIRQ
}

// Acknowledge performs the interrupt acknowledge cycle. It returns the
// vector of the highest priority pending IRQ and moves it in service.
func (s *Sim) Acknowledge() (irq int, vector uint8, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, ok := s.master.pending()
	if !ok {
		return 0, 0, false
	}
	if line != CascadeIRQ {
		s.master.irr &^= 1 << line
		s.master.isr |= 1 << line
		return line, s.master.offset + uint8(line), true
	}
	sline, ok := s.slave.pending()
	if !ok {
		return 0, 0, false
	}
	s.slave.irr &^= 1 << sline
	if s.slave.irr == 0 {
		s.master.irr &^= 1 << CascadeIRQ
	}
	s.slave.isr |= 1 << sline
	s.master.isr |= 1 << CascadeIRQ
	return 8 + sline, s.slave.offset + uint8(sline), true
}

// Offsets returns the vector offsets programmed into the chips.
func (s *Sim) Offsets() (master, slave uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master.offset, s.slave.offset
}

// Initialized returns true once both chips completed initialization.
func (s *Sim) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master.initialized && s.slave.initialized
}
