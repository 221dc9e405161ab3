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

// Package pic drives the pair of cascaded 8259 interrupt controllers.
package pic

import (
	"fmt"

	"gvisor.dev/trapcore/pkg/ioport"
)

// Controller ports.
const (
	MasterCommand uint16 = 0x20
	MasterData    uint16 = 0x21
	SlaveCommand  uint16 = 0xa0
	SlaveData     uint16 = 0xa1
)

// Command words.
const (
	icw1Init = 0x10
	icw1ICW4 = 0x01
	icw4x86  = 0x01

	// EOICommand is the non-specific end of interrupt.
	EOICommand = 0x20

	ocw3ReadIRR = 0x0a
	ocw3ReadISR = 0x0b
)

// CascadeIRQ is the master input the slave is wired to.
const CascadeIRQ = 2

// NumIRQs is the number of lines across both controllers.
const NumIRQs = 16

// PIC is the controller pair.
type PIC struct {
	port ioport.Port
}

// New returns a driver for the controllers behind port.
func New(port ioport.Port) *PIC {
	return &PIC{port: port}
}

// Remap reinitializes both controllers so that IRQs 0-7 arrive on vectors
// master..master+7 and IRQs 8-15 on slave..slave+7. Both offsets must be
// multiples of 8. The masks are preserved.
func (p *PIC) Remap(master, slave uint8) error {
	if master%8 != 0 || slave%8 != 0 {
		return fmt.Errorf("remapping IRQs to %#x/%#x: offsets must be 8-aligned", master, slave)
	}
	m1, m2 := p.port.InB(MasterData), p.port.InB(SlaveData)

	p.out(MasterCommand, icw1Init|icw1ICW4)
	p.out(SlaveCommand, icw1Init|icw1ICW4)
	p.out(MasterData, master)
	p.out(SlaveData, slave)
	p.out(MasterData, 1<<CascadeIRQ)
	p.out(SlaveData, CascadeIRQ)
	p.out(MasterData, icw4x86)
	p.out(SlaveData, icw4x86)

	p.port.OutB(MasterData, m1)
	p.port.OutB(SlaveData, m2)
	return nil
}

func (p *PIC) out(port uint16, v uint8) {
	p.port.OutB(port, v)
	ioport.Wait(p.port)
}

func dataPort(irq int) (uint16, uint8) {
	if irq < 8 {
		return MasterData, uint8(irq)
	}
	return SlaveData, uint8(irq - 8)
}

// Mask disables irq.
func (p *PIC) Mask(irq int) {
	port, bit := dataPort(irq)
	p.port.OutB(port, p.port.InB(port)|1<<bit)
}

// Unmask enables irq. Unmasking a slave line also unmasks the cascade.
func (p *PIC) Unmask(irq int) {
	port, bit := dataPort(irq)
	p.port.OutB(port, p.port.InB(port)&^(1<<bit))
	if irq >= 8 {
		p.Unmask(CascadeIRQ)
	}
}

// SetMasks sets both interrupt mask registers. Bit n masks IRQ n.
func (p *PIC) SetMasks(mask uint16) {
	p.port.OutB(MasterData, uint8(mask))
	p.port.OutB(SlaveData, uint8(mask>>8))
}

// Masks returns both interrupt mask registers.
func (p *PIC) Masks() uint16 {
	return uint16(p.port.InB(MasterData)) | uint16(p.port.InB(SlaveData))<<8
}

// EOI signals the end of irq's handler.
func (p *PIC) EOI(irq int) {
	if irq >= 8 {
		p.port.OutB(SlaveCommand, EOICommand)
	}
	p.port.OutB(MasterCommand, EOICommand)
}

// InService returns the in-service registers of both controllers.
func (p *PIC) InService() uint16 {
	return p.readOCW3(ocw3ReadISR)
}

// Requested returns the interrupt request registers of both controllers.
func (p *PIC) Requested() uint16 {
	return p.readOCW3(ocw3ReadIRR)
}

func (p *PIC) readOCW3(ocw3 uint8) uint16 {
	p.port.OutB(MasterCommand, ocw3)
	p.port.OutB(SlaveCommand, ocw3)
	return uint16(p.port.InB(MasterCommand)) | uint16(p.port.InB(SlaveCommand))<<8
}
