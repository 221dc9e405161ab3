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
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"gvisor.dev/trapcore/pkg/cpu"
)

type fakeMemory struct {
	mapped map[uint32]bool
}

func (m *fakeMemory) IsMapped(addr uint32, user bool) bool {
	return !user && m.mapped[addr&^(PageSize-1)]
}

type fakeTracer struct{}

func (fakeTracer) PrintStackTrace(w io.Writer, ebp uint32) {
	fmt.Fprintf(w, "trace from 0x%x\n", ebp)
}

type fakePanicker struct {
	w io.Writer
}

func (p fakePanicker) PanicNoHalt(tag, format string, args ...any) {
	fmt.Fprintf(p.w, "PANIC %s: %s\n", tag, fmt.Sprintf(format, args...))
}

func newTestContext(t *testing.T, mem *fakeMemory) (*DoubleFaultContext, *cpu.Sim, *bytes.Buffer) {
	t.Helper()
	var console bytes.Buffer
	c := cpu.NewSim()
	d, err := NewDoubleFaultContext(DoubleFaultConfig{
		PageDirectory: 0x1000,
		StackBase:     0xd0000000,
		StackSize:     MinDoubleFaultStack,
		Memory:        mem,
		Tracer:        fakeTracer{},
		Panic:         fakePanicker{&console},
		CPU:           c,
		Console:       &console,
	})
	if err != nil {
		t.Fatalf("NewDoubleFaultContext: %v", err)
	}
	return d, c, &console
}

func TestDoubleFaultTSS(t *testing.T) {
	d, _, _ := newTestContext(t, &fakeMemory{})
	want := TaskState32{
		ESP0:      0xd0004000,
		SS0:       0x10,
		CR3:       0x1000,
		EIP:       DoubleFaultEntry,
		EFLAGS:    0x2,
		ESP:       0xd0004000,
		ES:        0x10,
		CS:        0x08,
		SS:        0x10,
		DS:        0x10,
		FS:        0x10,
		GS:        0x10,
		IOMapBase: TSSSize,
	}
	if got := d.TSS(); got != want {
		t.Errorf("TSS() = %+v, want %+v", got, want)
	}
	if d.State() != Idle {
		t.Errorf("new context in state %v, want Idle", d.State())
	}

	b := want.Encode()
	if got := uint32(b[0x04]) | uint32(b[0x05])<<8 | uint32(b[0x06])<<16 | uint32(b[0x07])<<24; got != 0xd0004000 {
		t.Errorf("encoded ESP0 = %#x", got)
	}
	if b[0x66] != TSSSize || b[0x4c] != 0x08 {
		t.Errorf("encoded iobp/cs = %#x/%#x", b[0x66], b[0x4c])
	}
}

func TestDoubleFaultStackTooSmall(t *testing.T) {
	_, err := NewDoubleFaultContext(DoubleFaultConfig{
		StackSize: PageSize,
		Memory:    &fakeMemory{},
		Tracer:    fakeTracer{},
		Panic:     fakePanicker{io.Discard},
		CPU:       cpu.NewSim(),
		Console:   io.Discard,
	})
	if !errors.Is(err, ErrStackTooSmall) {
		t.Errorf("NewDoubleFaultContext with one page = %v, want ErrStackTooSmall", err)
	}
}

func TestDoubleFaultStackOverflow(t *testing.T) {
	// Only the page above the overflowed stack pointer is mapped.
	mem := &fakeMemory{mapped: map[uint32]bool{0xc8001000: true}}
	d, c, console := newTestContext(t, mem)
	regs := &Registers{ESP: 0xc8000ffc, EBP: 0xc8001010, EIP: 0xc0105555, CS: uint32(Kcode)}

	h := cpu.RunUntilHalt(func() { d.Enter(regs) })
	if h == nil {
		t.Fatalf("Enter returned")
	}
	if d.State() != Halted || c.Halts() != 1 {
		t.Errorf("state %v, %d halts; want Halted, 1", d.State(), c.Halts())
	}
	want := "Kernel stack overflow detected!\n" +
		"ESP: 0xc8000ffc EBP: 0xc8001010 EIP: 0xc0105555\n" +
		"trace from 0xc8001010\n" +
		"PANIC DOUBLE_FAULT: A double fault occurred. Something has gone horribly wrong.\n"
	if got := console.String(); got != want {
		t.Errorf("console:\n%s\nwant:\n%s", got, want)
	}
}

func TestDoubleFaultGeneric(t *testing.T) {
	mem := &fakeMemory{mapped: map[uint32]bool{0xc8000000: true}}
	d, _, console := newTestContext(t, mem)
	regs := &Registers{ESP: 0xc8000ff0, EBP: 0xc8000ff8, EIP: 0xc0106666, CS: uint32(Kcode)}

	if h := cpu.RunUntilHalt(func() { d.Enter(regs) }); h == nil {
		t.Fatalf("Enter returned")
	}
	out := console.String()
	if strings.Contains(out, "overflow") {
		t.Errorf("generic double fault reported as overflow:\n%s", out)
	}
	if !strings.HasPrefix(out, "Double fault at EIP: 0xc0106666 ESP: 0xc8000ff0\n") {
		t.Errorf("unexpected report:\n%s", out)
	}
	// Diagnostics strictly precede the panic banner.
	if i, j := strings.Index(out, "trace from"), strings.Index(out, "PANIC"); i < 0 || j < i {
		t.Errorf("stack trace not printed before panic:\n%s", out)
	}
}

func TestDoubleFaultFromUserMode(t *testing.T) {
	// The kernel stack is mapped; the user stack is not in the kernel
	// page directory and must not be mistaken for an overflow.
	mem := &fakeMemory{mapped: map[uint32]bool{0xc8000000: true}}
	d, _, console := newTestContext(t, mem)
	regs := &Registers{
		ESP:     0xc8000ff0,
		EBP:     0xc8000ff8,
		EIP:     0x08048000,
		CS:      uint32(Ucode),
		SS:      uint32(Udata),
		UserESP: 0xbffff000,
	}

	if h := cpu.RunUntilHalt(func() { d.Enter(regs) }); h == nil {
		t.Fatalf("Enter returned")
	}
	out := console.String()
	if strings.Contains(out, "overflow") {
		t.Errorf("user mode double fault reported as overflow:\n%s", out)
	}
	want := "Double fault at EIP: 0x8048000 ESP: 0xc8000ff0\nUser ESP: 0xbffff000\n"
	if !strings.HasPrefix(out, want) {
		t.Errorf("unexpected report:\n%s\nwant prefix:\n%s", out, want)
	}
}

func TestDoubleFaultNoReentry(t *testing.T) {
	d, c, console := newTestContext(t, &fakeMemory{})
	regs := &Registers{}
	cpu.RunUntilHalt(func() { d.Enter(regs) })
	console.Reset()

	if h := cpu.RunUntilHalt(func() { d.Enter(regs) }); h == nil {
		t.Fatalf("second Enter returned")
	}
	if d.State() != Halted || c.Halts() != 2 {
		t.Errorf("state %v, %d halts; want Halted, 2", d.State(), c.Halts())
	}
	if strings.Contains(console.String(), "trace from") {
		t.Errorf("second entry ran diagnostics again:\n%s", console.String())
	}
}
