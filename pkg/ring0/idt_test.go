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

package ring0

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/trapcore/pkg/cpu"
)

func nopHandler(*Registers) {}

func installReserved(t *testing.T, idt *IDT) {
	t.Helper()
	for v := Vector(0); v < NumReserved; v++ {
		if v == DoubleFault {
			if err := idt.InstallTask(v, DoubleFaultTSS); err != nil {
				t.Fatalf("InstallTask(%v): %v", v, err)
			}
			continue
		}
		if err := idt.Install(v, nopHandler, 0); err != nil {
			t.Fatalf("Install(%v): %v", v, err)
		}
	}
}

func TestGateEncoding(t *testing.T) {
	for _, tc := range []struct {
		name string
		gate Gate
		want []byte
		attr uint8
	}{
		{
			name: "interrupt",
			gate: Gate{Offset: 0xc0101234, Selector: Kcode, Type: InterruptGate32, Present: true},
			want: []byte{0x34, 0x12, 0x08, 0x00, 0x00, 0x8e, 0x10, 0xc0},
			attr: 0x8e,
		},
		{
			name: "task",
			gate: Gate{Selector: DoubleFaultTSS, Type: TaskGate, Present: true},
			want: []byte{0x00, 0x00, 0x30, 0x00, 0x00, 0x85, 0x00, 0x00},
			attr: 0x85,
		},
		{
			name: "user trap",
			gate: Gate{Offset: 0x1000, Selector: Kcode, Type: TrapGate32, DPL: 3, Present: true},
			want: []byte{0x00, 0x10, 0x08, 0x00, 0x00, 0xef, 0x00, 0x00},
			attr: 0xef,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.gate.Attr(); got != tc.attr {
				t.Errorf("Attr() = %#x, want %#x", got, tc.attr)
			}
			b := make([]byte, GateSize)
			tc.gate.Encode(b)
			if diff := cmp.Diff(tc.want, b); diff != "" {
				t.Errorf("Encode mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.gate, DecodeGate(b)); diff != "" {
				t.Errorf("DecodeGate mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInstallReserved(t *testing.T) {
	idt := NewIDT(cpu.NewSim())
	if err := CheckComplete(idt); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("CheckComplete on empty table = %v, want ErrIncomplete", err)
	}
	if got := len(idt.Missing()); got != NumReserved {
		t.Errorf("empty table misses %d vectors, want %d", got, NumReserved)
	}

	installReserved(t, idt)
	for v := Vector(0); v < NumReserved; v++ {
		if !idt.Installed(v) {
			t.Errorf("vector %v not installed", v)
		}
	}
	if err := CheckComplete(idt); err != nil {
		t.Errorf("CheckComplete: %v", err)
	}

	df := idt.Gate(DoubleFault)
	if df.Type != TaskGate || df.Selector != DoubleFaultTSS || df.Offset != 0 || df.Attr() != 0x85 {
		t.Errorf("double fault gate = %v, want task gate to %#x", df, DoubleFaultTSS)
	}
	if idt.Handler(DoubleFault) != nil {
		t.Errorf("double fault vector has an ordinary handler")
	}

	pf := idt.Gate(PageFault)
	want := Gate{Offset: StubAddress(PageFault), Selector: Kcode, Type: InterruptGate32, Present: true}
	if diff := cmp.Diff(want, pf); diff != "" {
		t.Errorf("page fault gate mismatch (-want +got):\n%s", diff)
	}
}

func TestSealRequiresComplete(t *testing.T) {
	idt := NewIDT(cpu.NewSim())
	installReserved(t, idt)
	// Leave one reserved vector out.
	idt2 := NewIDT(cpu.NewSim())
	for v := Vector(0); v < NumReserved; v++ {
		if v == DoubleFault || v == MachineCheck {
			continue
		}
		if err := idt2.Install(v, nopHandler, 0); err != nil {
			t.Fatalf("Install(%v): %v", v, err)
		}
	}
	err := idt2.Seal()
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Seal on incomplete table = %v, want ErrIncomplete", err)
	}
	if diff := cmp.Diff([]Vector{DoubleFault, MachineCheck}, idt2.Missing()); diff != "" {
		t.Errorf("Missing mismatch (-want +got):\n%s", diff)
	}

	if err := idt.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !idt.Sealed() {
		t.Errorf("Sealed() = false after Seal")
	}
	if err := idt.Install(Breakpoint, nopHandler, 3); !errors.Is(err, ErrSealed) {
		t.Errorf("Install after Seal = %v, want ErrSealed", err)
	}
	if err := idt.InstallTask(DoubleFault, DoubleFaultTSS); !errors.Is(err, ErrSealed) {
		t.Errorf("InstallTask after Seal = %v, want ErrSealed", err)
	}
}

func TestInstallRejects(t *testing.T) {
	idt := NewIDT(cpu.NewSim())
	if err := idt.Install(PageFault, nil, 0); err == nil {
		t.Errorf("Install with nil handler succeeded")
	}
	if err := idt.Install(DoubleFault, nopHandler, 0); err == nil {
		t.Errorf("Install on double fault vector succeeded")
	}
	if err := idt.InstallTask(PageFault, DoubleFaultTSS); err == nil {
		t.Errorf("InstallTask on page fault vector succeeded")
	}
	if err := idt.Install(Breakpoint, nopHandler, 4); err == nil {
		t.Errorf("Install with dpl 4 succeeded")
	}
}

func TestRemap(t *testing.T) {
	c := cpu.NewSim()
	idt := NewIDT(c)
	installReserved(t, idt)
	if err := idt.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	called := 0
	h := func(*Registers) { called++ }
	timer := IRQVector(0)
	if err := idt.Remap(timer, h); err != nil {
		t.Fatalf("Remap with interrupts disabled: %v", err)
	}
	idt.Handler(timer)(&Registers{})
	if called != 1 || !idt.Installed(timer) {
		t.Errorf("remapped handler not in place")
	}

	c.EnableInterrupts()
	if err := idt.Remap(timer, nopHandler); !errors.Is(err, ErrInterruptsEnabled) {
		t.Errorf("Remap with interrupts enabled = %v, want ErrInterruptsEnabled", err)
	}
	c.DisableInterrupts()
	if err := idt.Remap(PageFault, nopHandler); err == nil {
		t.Errorf("Remap of an exception vector succeeded")
	}
}

func TestIDTBytes(t *testing.T) {
	idt := NewIDT(cpu.NewSim())
	installReserved(t, idt)
	b := idt.Bytes()
	if len(b) != int(idt.Limit())+1 {
		t.Fatalf("table is %d bytes, limit %d", len(b), idt.Limit())
	}
	if got := DecodeGate(b[int(DoubleFault)*GateSize:]); got != idt.Gate(DoubleFault) {
		t.Errorf("encoded double fault gate = %v", got)
	}
	if got := DecodeGate(b[100*GateSize:]); got.Present {
		t.Errorf("vector 100 present in encoded table")
	}
}

func TestVectorNames(t *testing.T) {
	for _, tc := range []struct {
		v    Vector
		want string
	}{
		{DivideByZero, "#DE"},
		{GeneralProtectionFault, "#GP"},
		{PageFault, "#PF"},
		{DoubleFault, "#DF"},
		{15, "reserved(15)"},
		{IRQVector(8), "IRQ8"},
		{0x80, "vector(128)"},
	} {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("Vector(%d).String() = %q, want %q", uint8(tc.v), got, tc.want)
		}
	}
	if !PageFault.HasErrorCode() || DivideByZero.HasErrorCode() {
		t.Errorf("HasErrorCode wrong for #PF or #DE")
	}
}
