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

// Package ioport provides access to device registers: the legacy port I/O
// space and memory-mapped register windows.
//
// Hardware is reached only through the Port interface. The Bus type is a
// port space populated with simulated devices and is what the rest of the
// kernel runs against when hosted.
package ioport

// Port is the port I/O instruction set.
type Port interface {
	// InB reads a byte from port.
	InB(port uint16) uint8
	// InW reads a word from port.
	InW(port uint16) uint16
	// InL reads a dword from port.
	InL(port uint16) uint32
	// OutB writes a byte to port.
	OutB(port uint16, v uint8)
	// OutW writes a word to port.
	OutW(port uint16, v uint16)
	// OutL writes a dword to port.
	OutL(port uint16, v uint32)
}

// DelayPort is the POST diagnostic port. Writes to it have no effect other
// than taking one bus cycle.
const DelayPort = 0x80

// Wait delays long enough for a slow legacy device to latch the previous
// write.
func Wait(p Port) {
	p.OutB(DelayPort, 0)
}
