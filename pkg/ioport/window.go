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
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfRange is returned for window accesses beyond the mapped region.
var ErrOutOfRange = errors.New("access outside device window")

// BARType is the decoded kind of a PCI base address register.
type BARType int

// BAR types.
const (
	Invalid BARType = iota
	Mem32
	Mem64
	IOSpace
)

func (t BARType) String() string {
	switch t {
	case Mem32:
		return "mem32"
	case Mem64:
		return "mem64"
	case IOSpace:
		return "io"
	default:
		return "invalid"
	}
}

// ConfigSpace is a device's PCI configuration space.
type ConfigSpace interface {
	ReadDword(off uint8) uint32
	WriteDword(off uint8, v uint32)
}

// BAR is a decoded base address register.
type BAR struct {
	Type         BARType
	Addr         uint64
	Size         uint64
	Prefetchable bool
}

// DecodeBAR decodes the base address register at offset bar. Memory BARs are
// sized by writing all ones, then restored. 16-bit memory
// BARs, and 64-bit BARs above 4GiB, cannot be addressed by a 32-bit kernel
// and decode as Invalid.
func DecodeBAR(cs ConfigSpace, bar uint8) BAR {
	val := cs.ReadDword(bar)
	if val&0x1 != 0 {
		return BAR{Type: IOSpace, Addr: uint64(val &^ 0x3), Size: 0x10000}
	}

	b := BAR{Prefetchable: val&0x8 != 0}
	switch (val >> 1) & 0x3 {
	case 0:
		b.Type = Mem32
		b.Addr = uint64(val &^ 0xf)
	case 2:
		high := cs.ReadDword(bar + 4)
		if high != 0 {
			return BAR{Type: Invalid}
		}
		b.Type = Mem64
		b.Addr = uint64(val &^ 0xf)
	default:
		return BAR{Type: Invalid}
	}

	cs.WriteDword(bar, 0xffffffff)
	b.Size = uint64(^(cs.ReadDword(bar) &^ 0xf) + 1)
	cs.WriteDword(bar, val)
	return b
}

// Window is a memory-mapped register window. Registers are little-endian.
type Window struct {
	mu   sync.Mutex
	base uint64
	mem  []byte
}

// NewWindow maps size bytes of device memory at physical address base.
func NewWindow(base uint64, size int) *Window {
	return &Window{base: base, mem: make([]byte, size)}
}

// WindowFor maps the region described by a memory BAR.
func WindowFor(b BAR) (*Window, error) {
	if b.Type != Mem32 && b.Type != Mem64 {
		return nil, fmt.Errorf("cannot map %v BAR as a memory window", b.Type)
	}
	return NewWindow(b.Addr, int(b.Size)), nil
}

// Base returns the physical address of the window.
func (w *Window) Base() uint64 { return w.base }

// Size returns the length of the window.
func (w *Window) Size() int { return len(w.mem) }

func (w *Window) span(off uint64, n int) ([]byte, error) {
	if off > uint64(len(w.mem)) || uint64(len(w.mem))-off < uint64(n) {
		return nil, fmt.Errorf("%w: offset %#x size %d, window %#x", ErrOutOfRange, off, n, len(w.mem))
	}
	return w.mem[off : off+uint64(n)], nil
}

// Read8 reads a byte at off.
func (w *Window) Read8(off uint64) (uint8, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, err := w.span(off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read16 reads a word at off.
func (w *Window) Read16(off uint64) (uint16, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, err := w.span(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Read32 reads a dword at off.
func (w *Window) Read32(off uint64) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, err := w.span(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Write8 writes a byte at off.
func (w *Window) Write8(off uint64, v uint8) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, err := w.span(off, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// Write16 writes a word at off.
func (w *Window) Write16(off uint64, v uint16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, err := w.span(off, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

// Write32 writes a dword at off.
func (w *Window) Write32(off uint64, v uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, err := w.span(off, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}
