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

package mm

import (
	"encoding/binary"
	"errors"
	"sync"
)

// PageSize is the size of a page and of a physical frame.
const PageSize = 4096

// ErrOutOfMemory is returned when no frame can be allocated.
var ErrOutOfMemory = errors.New("out of physical memory")

// PhysicalMemory is the frame allocator and the contents of every frame.
// Frames are backed lazily.
type PhysicalMemory struct {
	mu     sync.Mutex
	frames map[uint32]*[PageSize]byte
	next   uint32
	limit  uint32
}

// NewPhysicalMemory returns memory with frames allocated from base up to
// limit.
func NewPhysicalMemory(base, limit uint32) *PhysicalMemory {
	return &PhysicalMemory{
		frames: make(map[uint32]*[PageSize]byte),
		next:   PageRoundDown(base),
		limit:  limit,
	}
}

// Alloc returns a zeroed frame.
func (p *PhysicalMemory) Alloc() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= p.limit || p.limit-p.next < PageSize {
		return 0, ErrOutOfMemory
	}
	f := p.next
	p.next += PageSize
	p.frames[f] = new([PageSize]byte)
	return f, nil
}

// Allocated returns the number of frames handed out.
func (p *PhysicalMemory) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// frame returns the backing of the frame holding phys, or nil if the frame
// has never been written.
func (p *PhysicalMemory) frame(phys uint32) *[PageSize]byte {
	return p.frames[PageRoundDown(phys)]
}

// backing returns the backing of the frame holding phys, creating it on
// first write.
func (p *PhysicalMemory) backing(phys uint32) *[PageSize]byte {
	f, ok := p.frames[PageRoundDown(phys)]
	if !ok {
		f = new([PageSize]byte)
		p.frames[PageRoundDown(phys)] = f
	}
	return f
}

// Copy copies the contents of frame src to frame dst.
func (p *PhysicalMemory) Copy(dst, src uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f := p.frame(src); f != nil {
		*p.backing(dst) = *f
	} else if f := p.frame(dst); f != nil {
		*f = [PageSize]byte{}
	}
}

// ReadWord reads the little-endian word at phys. Words never straddle a
// frame. Frames that were never written read as zero and are not backed
// by the read, so reads never allocate.
func (p *PhysicalMemory) ReadWord(phys uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.frame(phys)
	if f == nil {
		return 0
	}
	off := (phys % PageSize) &^ 3
	return binary.LittleEndian.Uint32(f[off:])
}

// WriteWord writes the little-endian word at phys.
func (p *PhysicalMemory) WriteWord(phys, v uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := (phys % PageSize) &^ 3
	binary.LittleEndian.PutUint32(p.backing(phys)[off:], v)
}

// PageRoundDown rounds addr down to a page boundary.
func PageRoundDown(addr uint32) uint32 {
	return addr &^ (PageSize - 1)
}

// PageRoundUp rounds addr up to a page boundary. ok is false on overflow.
func PageRoundUp(addr uint32) (uint32, bool) {
	r := PageRoundDown(addr + PageSize - 1)
	return r, r >= addr
}
