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
	"testing"

	"gvisor.dev/trapcore/pkg/ioport"
)

func newTestPIC(t *testing.T) (*PIC, *Sim) {
	t.Helper()
	bus := &ioport.Bus{}
	sim := NewSim()
	if err := sim.Attach(bus); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	p := New(bus)
	if err := p.Remap(32, 40); err != nil {
		t.Fatalf("Remap: %v", err)
	}
	return p, sim
}

func TestRemap(t *testing.T) {
	p, sim := newTestPIC(t)
	if !sim.Initialized() {
		t.Errorf("controllers not initialized after Remap")
	}
	if m, s := sim.Offsets(); m != 32 || s != 40 {
		t.Errorf("offsets = %d/%d, want 32/40", m, s)
	}
	if got := p.Masks(); got != 0xffff {
		t.Errorf("masks after Remap = %#04x, want 0xffff", got)
	}
	if err := p.Remap(33, 40); err == nil {
		t.Errorf("Remap to an unaligned offset succeeded")
	}
}

func TestMask(t *testing.T) {
	p, _ := newTestPIC(t)
	p.Unmask(0)
	if got := p.Masks(); got != 0xfffe {
		t.Errorf("masks = %#04x, want 0xfffe", got)
	}
	p.Unmask(8)
	if got := p.Masks(); got != 0xfefa {
		t.Errorf("masks = %#04x, want 0xfefa", got)
	}
	p.Mask(0)
	if got := p.Masks(); got != 0xfefb {
		t.Errorf("masks = %#04x, want 0xfefb", got)
	}
	p.SetMasks(0)
	if got := p.Masks(); got != 0 {
		t.Errorf("masks = %#04x, want 0", got)
	}
}

func TestAcknowledge(t *testing.T) {
	p, sim := newTestPIC(t)
	p.SetMasks(0)

	sim.Raise(0)
	irq, vec, ok := sim.Acknowledge()
	if !ok || irq != 0 || vec != 32 {
		t.Fatalf("Acknowledge = %d, %d, %t; want 0, 32, true", irq, vec, ok)
	}
	if _, _, ok := sim.Acknowledge(); ok {
		t.Errorf("IRQ delivered twice")
	}
	if got := p.InService(); got != 0x0001 {
		t.Errorf("in service = %#04x, want 0x0001", got)
	}
	p.EOI(0)
	if got := p.InService(); got != 0 {
		t.Errorf("in service after EOI = %#04x", got)
	}

	sim.Raise(8)
	irq, vec, ok = sim.Acknowledge()
	if !ok || irq != 8 || vec != 40 {
		t.Fatalf("Acknowledge = %d, %d, %t; want 8, 40, true", irq, vec, ok)
	}
	if got := p.InService(); got != 0x0104 {
		t.Errorf("in service = %#04x, want 0x0104", got)
	}
	p.EOI(8)
	if got := p.InService(); got != 0 {
		t.Errorf("in service after EOI = %#04x", got)
	}
}

func TestPriority(t *testing.T) {
	p, sim := newTestPIC(t)
	p.SetMasks(0xffff &^ (1<<1 | 1<<3))

	sim.Raise(5)
	if _, _, ok := sim.Acknowledge(); ok {
		t.Errorf("masked IRQ delivered")
	}
	if got := p.Requested(); got&(1<<5) == 0 {
		t.Errorf("requested = %#04x, want IRQ 5 pending", got)
	}

	sim.Raise(3)
	sim.Raise(1)
	if irq, _, _ := sim.Acknowledge(); irq != 1 {
		t.Errorf("first IRQ = %d, want 1", irq)
	}
	if _, _, ok := sim.Acknowledge(); ok {
		t.Errorf("lower priority IRQ delivered while 1 in service")
	}
	p.EOI(1)
	if irq, _, ok := sim.Acknowledge(); !ok || irq != 3 {
		t.Errorf("after EOI got IRQ %d, %t; want 3", irq, ok)
	}
}
