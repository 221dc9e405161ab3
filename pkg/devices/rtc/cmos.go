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
	"sync"

	"gvisor.dev/trapcore/pkg/hwsync"
	"gvisor.dev/trapcore/pkg/ioport"
)

// CMOS ports. Bit 7 of the index disables NMI delivery.
const (
	IndexPort  uint16 = 0x70
	DataPort   uint16 = 0x71
	NMIDisable uint8  = 0x80
)

// CMOS registers.
const (
	RegSeconds uint8 = 0x00
	RegMinutes uint8 = 0x02
	RegHours   uint8 = 0x04
	RegWeekday uint8 = 0x06
	RegDay     uint8 = 0x07
	RegMonth   uint8 = 0x08
	RegYear    uint8 = 0x09
	RegStatusA uint8 = 0x0a
	RegStatusB uint8 = 0x0b
	RegStatusC uint8 = 0x0c

	// RegStatusD is selected when only the NMI bit changes. It has no side
	// effects.
	RegStatusD uint8 = 0x0d

	RegCentury uint8 = 0x32
)

// Status register bits.
const (
	// StatusUpdateInProgress is set in status A while the clock updates.
	StatusUpdateInProgress uint8 = 0x80

	// StatusHour24 is set in status B when the hours register counts 0-23.
	// When clear it counts 1-12 with HourPM marking the afternoon.
	StatusHour24 uint8 = 0x02

	// HourPM is the afternoon bit of the hours register in 12-hour mode.
	HourPM uint8 = 0x80

	// StatusBinaryMode is set in status B when values are binary, not BCD.
	StatusBinaryMode uint8 = 0x04

	// StatusPeriodicInterrupt enables the periodic interrupt in status B.
	StatusPeriodicInterrupt uint8 = 0x40

	// rateMask selects the rate bits of status A.
	rateMask uint8 = 0x0f
)

// CMOS is the CMOS register file behind the index and data ports.
//
// CMOS implements hwsync.NMIMask: NMI delivery is controlled by bit 7 of
// every index write, so the mask state is carried into each access.
type CMOS struct {
	port ioport.Port

	mu          sync.Mutex
	nmiDisabled bool
}

var _ hwsync.NMIMask = (*CMOS)(nil)

// NewCMOS returns the register file behind port, with NMI enabled.
func NewCMOS(port ioport.Port) *CMOS {
	return &CMOS{port: port}
}

func (c *CMOS) index(reg uint8) uint8 {
	if c.nmiDisabled {
		return reg | NMIDisable
	}
	return reg &^ NMIDisable
}

// Read returns register reg.
func (c *CMOS) Read(reg uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port.OutB(IndexPort, c.index(reg))
	return c.port.InB(DataPort)
}

// Write sets register reg.
func (c *CMOS) Write(reg, v uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port.OutB(IndexPort, c.index(reg))
	c.port.OutB(DataPort, v)
}

// DisableNMI implements hwsync.NMIMask.DisableNMI.
func (c *CMOS) DisableNMI() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := !c.nmiDisabled
	c.nmiDisabled = true
	c.port.OutB(IndexPort, c.index(RegStatusD))
	return was
}

// RestoreNMI implements hwsync.NMIMask.RestoreNMI.
func (c *CMOS) RestoreNMI(wasEnabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nmiDisabled = !wasEnabled
	c.port.OutB(IndexPort, c.index(RegStatusD))
}

// NMIEnabled returns true if NMI delivery is enabled.
func (c *CMOS) NMIEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.nmiDisabled
}

// BCDToBinary converts a packed BCD byte.
func BCDToBinary(v uint8) uint8 {
	return ((v>>4)&0x0f)*10 + (v & 0x0f)
}

// BinaryToBCD converts a value below 100 to packed BCD.
func BinaryToBCD(v uint8) uint8 {
	return (v/10)<<4 | v%10
}
