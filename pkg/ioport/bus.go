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

package ioport

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Width is the size of a port access in bytes.
type Width int

// Access widths.
const (
	Byte  Width = 1
	Word  Width = 2
	Dword Width = 4
)

// mask returns the all-ones value for w.
func (w Width) mask() uint32 {
	switch w {
	case Byte:
		return 0xff
	case Word:
		return 0xffff
	default:
		return 0xffffffff
	}
}

// Device is a simulated device claiming a range of ports.
type Device interface {
	// In services a read of width bytes at offset off from the start of the
	// device's range.
	In(off uint16, w Width) uint32

	// Out services a write.
	Out(off uint16, w Width, v uint32)
}

// ErrPortConflict is returned when two devices claim the same port.
var ErrPortConflict = errors.New("port range already claimed")

type claim struct {
	base   uint16
	length uint16
	dev    Device
}

func (c claim) contains(port uint16) bool {
	return port >= c.base && uint32(port) < uint32(c.base)+uint32(c.length)
}

// Bus is a simulated port I/O space. Reads of unclaimed ports float high and
// writes to them are dropped, as on a real ISA bus.
//
// Bus implements Port.
type Bus struct {
	mu     sync.RWMutex
	claims []claim
}

var _ Port = (*Bus)(nil)

// Register attaches dev to ports [base, base+length).
func (b *Bus) Register(base, length uint16, dev Device) error {
	if length == 0 {
		return fmt.Errorf("empty port range at %#x", base)
	}
	if uint32(base)+uint32(length) > 0x10000 {
		return fmt.Errorf("port range %#x+%#x exceeds the port space", base, length)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := claim{base: base, length: length, dev: dev}
	for _, c := range b.claims {
		if c.contains(base) || n.contains(c.base) {
			return fmt.Errorf("%w: %#x+%#x overlaps %#x+%#x", ErrPortConflict, base, length, c.base, c.length)
		}
	}
	b.claims = append(b.claims, n)
	sort.Slice(b.claims, func(i, j int) bool { return b.claims[i].base < b.claims[j].base })
	return nil
}

func (b *Bus) lookup(port uint16) (claim, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := sort.Search(len(b.claims), func(i int) bool {
		c := b.claims[i]
		return uint32(c.base)+uint32(c.length) > uint32(port)
	})
	if i < len(b.claims) && b.claims[i].contains(port) {
		return b.claims[i], true
	}
	return claim{}, false
}

func (b *Bus) in(port uint16, w Width) uint32 {
	c, ok := b.lookup(port)
	if !ok {
		return w.mask()
	}
	return c.dev.In(port-c.base, w) & w.mask()
}

func (b *Bus) out(port uint16, w Width, v uint32) {
	if c, ok := b.lookup(port); ok {
		c.dev.Out(port-c.base, w, v&w.mask())
	}
}

// InB implements Port.InB.
func (b *Bus) InB(port uint16) uint8 { return uint8(b.in(port, Byte)) }

// InW implements Port.InW.
func (b *Bus) InW(port uint16) uint16 { return uint16(b.in(port, Word)) }

// InL implements Port.InL.
func (b *Bus) InL(port uint16) uint32 { return b.in(port, Dword) }

// OutB implements Port.OutB.
func (b *Bus) OutB(port uint16, v uint8) { b.out(port, Byte, uint32(v)) }

// OutW implements Port.OutW.
func (b *Bus) OutW(port uint16, v uint16) { b.out(port, Word, uint32(v)) }

// OutL implements Port.OutL.
func (b *Bus) OutL(port uint16, v uint32) { b.out(port, Dword, v) }
