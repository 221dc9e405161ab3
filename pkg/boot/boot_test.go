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

package boot

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/trapcore/pkg/abi/kabi"
	"gvisor.dev/trapcore/pkg/cpu"
	"gvisor.dev/trapcore/pkg/devices/rtc"
	"gvisor.dev/trapcore/pkg/ktrace"
	"gvisor.dev/trapcore/pkg/ring0"
	"gvisor.dev/trapcore/pkg/sentry/kernel"
	"gvisor.dev/trapcore/pkg/sentry/trap"
)

var bootTime = time.Date(2026, time.October, 19, 8, 30, 0, 0, time.UTC)

func newMachine(t *testing.T, opts Options) (*Machine, *bytes.Buffer) {
	t.Helper()
	console := &bytes.Buffer{}
	if opts.Time.IsZero() {
		opts.Time = bootTime
	}
	m, err := New(Config{Console: console}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, console
}

func bootMachine(t *testing.T) (*Machine, *bytes.Buffer) {
	t.Helper()
	m, console := newMachine(t, Options{})
	if err := m.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return m, console
}

func TestBoot(t *testing.T) {
	m, _ := bootMachine(t)

	if !m.CPU().InterruptsEnabled() {
		t.Errorf("interrupts disabled after boot")
	}
	for v := ring0.Vector(0); v < ring0.NumReserved; v++ {
		if !m.Table().Installed(v) {
			t.Errorf("%v not installed", v)
		}
	}
	want := ring0.Gate{Selector: ring0.DoubleFaultTSS, Type: ring0.TaskGate, Present: true}
	if diff := cmp.Diff(want, m.Table().Gate(ring0.DoubleFault)); diff != "" {
		t.Errorf("double fault gate mismatch (-want +got):\n%s", diff)
	}
	want = ring0.Gate{Offset: ring0.StubAddress(ring0.PageFault), Selector: ring0.Kcode, Type: ring0.InterruptGate32, Present: true}
	if diff := cmp.Diff(want, m.Table().Gate(ring0.PageFault)); diff != "" {
		t.Errorf("page fault gate mismatch (-want +got):\n%s", diff)
	}
	for irq := 0; irq < ring0.NumIRQs; irq++ {
		if m.Table().Handler(ring0.IRQVector(irq)) == nil {
			t.Errorf("IRQ %d has no handler", irq)
		}
	}

	if master, slave := m.PICSim().Offsets(); master != 32 || slave != 40 {
		t.Errorf("PIC offsets = %d, %d; want 32, 40", master, slave)
	}
	if got := m.PIC().Masks(); got != 0xfefb {
		t.Errorf("PIC masks = %#04x, want 0xfefb", got)
	}
	if got := m.CMOS().Register(rtc.RegStatusB); got&rtc.StatusPeriodicInterrupt == 0 {
		t.Errorf("RTC periodic interrupt not enabled: status B %#x", got)
	}

	if err := m.Table().Install(ring0.Breakpoint, m.Kernel().HandleFault, 3); !errors.Is(err, ring0.ErrSealed) {
		t.Errorf("Install after boot = %v, want ErrSealed", err)
	}
	if err := m.Boot(); !errors.Is(err, ErrBooted) {
		t.Errorf("second Boot = %v, want ErrBooted", err)
	}
}

// droppingTable silently loses one exception gate.
type droppingTable struct {
	*ring0.IDT
	drop ring0.Vector
}

func (d droppingTable) Install(v ring0.Vector, h ring0.Handler, dpl uint8) error {
	if v == d.drop {
		return nil
	}
	return d.IDT.Install(v, h, dpl)
}

func TestBootIncompleteTable(t *testing.T) {
	idt := ring0.NewIDT(cpu.NewSim())
	m, _ := newMachine(t, Options{Table: droppingTable{IDT: idt, drop: ring0.GeneralProtectionFault}})
	err := m.Boot()
	if !errors.Is(err, ring0.ErrIncomplete) {
		t.Fatalf("Boot = %v, want ErrIncomplete", err)
	}
	if !strings.Contains(err.Error(), "#GP") {
		t.Errorf("Boot error %q does not name #GP", err)
	}
	if m.CPU().InterruptsEnabled() {
		t.Errorf("interrupts enabled after failed boot")
	}
	if idt.Sealed() {
		t.Errorf("table sealed after failed boot")
	}
}

func TestNewConfig(t *testing.T) {
	if _, err := New(Config{DoubleFaultStackPages: 2}, Options{}); !errors.Is(err, ring0.ErrStackTooSmall) {
		t.Errorf("New with 2 page stack = %v, want ErrStackTooSmall", err)
	}
	if _, err := New(Config{RTCFrequency: 3000}, Options{}); err == nil {
		t.Errorf("New with 3000 Hz clock succeeded")
	}
	m, err := New(Config{RTCFrequency: 8192, DoubleFaultStackPages: 8}, Options{Time: bootTime})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if got := m.RTC().Frequency(); got != 8192 {
		t.Errorf("RTC frequency = %d, want 8192", got)
	}
	tss := m.DoubleFault().TSS()
	if !m.MemoryManager().KernelPageDirectory().IsMapped(tss.ESP-8*4096, false) {
		t.Errorf("double fault stack below %#x not mapped", tss.ESP)
	}
}

func TestTripleFault(t *testing.T) {
	m, console := newMachine(t, Options{})
	h := m.Run(func() { m.Raise(ring0.DivideByZero, 0) })
	if h == nil || h.Reason != TripleFaultTag {
		t.Fatalf("Raise before boot halted with %v, want %s", h, TripleFaultTag)
	}
	if !strings.Contains(console.String(), "Triple fault: no gate for #DE") {
		t.Errorf("console = %q", console.String())
	}
}

func TestTick(t *testing.T) {
	m, _ := bootMachine(t)
	for i := 0; i < 3; i++ {
		if !m.Tick() {
			t.Fatalf("tick %d not delivered", i)
		}
	}
	if got := m.RTC().Ticks(); got != 3 {
		t.Errorf("Ticks = %d, want 3", got)
	}
	if got := m.CMOS().Register(rtc.RegStatusC); got != 0 {
		t.Errorf("status C = %#x, want acknowledged", got)
	}
	if got := m.PIC().InService(); got != 0 {
		t.Errorf("in service = %#04x after EOI, want 0", got)
	}
	if !m.CPU().InterruptsEnabled() {
		t.Errorf("interrupts not restored after IRQ")
	}

	m.CPU().DisableInterrupts()
	if m.Tick() {
		t.Errorf("tick delivered with interrupts disabled")
	}
	if got := m.PIC().Requested(); got != 0x0104 {
		t.Errorf("requested = %#04x, want 0x0104", got)
	}
	if got := m.RTC().Ticks(); got != 3 {
		t.Errorf("Ticks = %d, want 3", got)
	}
}

func TestClock(t *testing.T) {
	m, _ := bootMachine(t)
	got, err := m.RTC().Time()
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(bootTime) {
		t.Errorf("Time = %v, want %v", got, bootTime)
	}
	if m.Kernel().InCritical() {
		t.Errorf("critical section left open")
	}
}

func TestFrame(t *testing.T) {
	m, _ := bootMachine(t)
	regs := m.Frame(ring0.PageFault, uint32(trap.FaultKernelWrite))
	if regs.UserMode() || regs.ESP >= m.BootStackTop() || regs.ESP < m.BootStack() {
		t.Errorf("kernel frame = %+v", regs)
	}

	k := m.Kernel()
	p, err := k.NewProcess("init")
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	th, err := k.NewThread(p)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	k.SetCurrent(th)
	regs = m.Frame(ring0.InvalidOpcode, 0)
	if !regs.UserMode() {
		t.Errorf("frame for user thread is not in user mode: %+v", regs)
	}
	// The kernel stack pointer of a ring 3 frame is inside the boot stack.
	if !m.MemoryManager().KernelPageDirectory().IsMapped(regs.ESP, false) || regs.ESP < m.BootStack() {
		t.Errorf("user frame kernel ESP %#x outside boot stack [%#x, %#x)", regs.ESP, m.BootStack(), m.BootStackTop())
	}
	th.SetKernelMode(true)
	if regs := m.Frame(ring0.InvalidOpcode, 0); regs.UserMode() {
		t.Errorf("frame for thread in kernel mode is in user mode: %+v", regs)
	}
}

func startUser(t *testing.T, m *Machine, name string) (*kernel.Process, *kernel.Thread) {
	t.Helper()
	k := m.Kernel()
	k.StartTasking()
	p, err := k.NewProcess(name)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	th, err := k.NewThread(p)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	k.SetCurrent(th)
	return p, th
}

func TestUserFault(t *testing.T) {
	m, _ := bootMachine(t)
	p, th := startUser(t, m, "sh")
	if h := m.Run(func() { m.Raise(ring0.InvalidOpcode, 0) }); h != nil {
		t.Fatalf("user fault halted: %v", h)
	}
	status, ok := p.ExitStatus()
	if !ok || !status.Signaled || status.Signal != kabi.SIGILL {
		t.Errorf("exit status = %v, %t; want killed by SIGILL", status, ok)
	}
	if th.InTrap() {
		t.Errorf("trap frame left open")
	}
	if _, ok := m.Kernel().Process(p.PID()); ok {
		t.Errorf("process %d still in the table", p.PID())
	}
	if !m.CPU().InterruptsEnabled() {
		t.Errorf("interrupts not restored")
	}
}

func TestFaultProfile(t *testing.T) {
	faults := ktrace.NewFaultProfile()
	m, _ := newMachine(t, Options{Faults: faults})
	if err := m.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if !m.Tick() {
		t.Fatalf("tick not delivered")
	}
	startUser(t, m, "sh")
	if h := m.Run(func() { m.Raise(ring0.InvalidOpcode, 0) }); h != nil {
		t.Fatalf("user fault halted: %v", h)
	}
	if got := faults.Total(); got != 1 {
		t.Fatalf("Total() = %d, want 1", got)
	}
	prof := faults.Build(m.Symbols())
	if err := prof.CheckValid(); err != nil {
		t.Fatalf("CheckValid: %v", err)
	}
	if got := prof.Sample[0].Label["fault"]; !cmp.Equal(got, []string{"#UD"}) {
		t.Errorf("fault label = %v, want [#UD]", got)
	}
}

func TestKernelPageFault(t *testing.T) {
	m, console := bootMachine(t)
	_, th := startUser(t, m, "sh")
	th.SetKernelMode(true)
	m.CPU().SetCR2(0xdead0000)
	h := m.Run(func() { m.Raise(ring0.PageFault, uint32(trap.FaultKernelRead)) })
	if h == nil || h.Reason != trap.PageFaultTag {
		t.Fatalf("halt = %v, want %s", h, trap.PageFaultTag)
	}
	want := "[PAGE_FAULT] read from non-present page at 0xdead0000\nFault 14 at 0x"
	if !strings.Contains(console.String(), want) {
		t.Errorf("console = %q, want it to contain %q", console.String(), want)
	}
}

func TestDoubleFaultStackOverflow(t *testing.T) {
	m, console := bootMachine(t)
	pd := m.MemoryManager().KernelPageDirectory()

	// Two saved frames at the top of the boot stack.
	top := m.BootStackTop()
	for addr, v := range map[uint32]uint32{
		top - 64: top - 32,
		top - 60: kernelText + 0x10,
		top - 32: 0,
		top - 28: kernelText + 0x20,
	} {
		if err := pd.WriteWord(addr, v); err != nil {
			t.Fatalf("WriteWord(%#x): %v", addr, err)
		}
	}

	regs := m.Frame(ring0.DoubleFault, 0)
	regs.ESP = m.BootStack() - 4
	regs.EBP = top - 64
	h := m.Run(func() { m.Deliver(regs) })
	if h == nil || h.Reason != "DOUBLE_FAULT" {
		t.Fatalf("halt = %v, want DOUBLE_FAULT", h)
	}
	if got := m.DoubleFault().State(); got != ring0.Halted {
		t.Errorf("recovery state = %v, want Halted", got)
	}
	out := console.String()
	for _, want := range []string{
		"Kernel stack overflow detected!",
		"Stack trace:\n",
		"  #0 0xc0001010 kernel_text+0x10\n",
		"  #1 0xc0001020 kernel_text+0x20\n",
		"[DOUBLE_FAULT] A double fault occurred.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("console missing %q:\n%s", want, out)
		}
	}

	console.Reset()
	if h := m.Run(func() { m.Deliver(regs) }); h == nil {
		t.Fatalf("second double fault did not halt")
	}
	if !strings.Contains(console.String(), "Double fault during double fault recovery") {
		t.Errorf("console = %q", console.String())
	}
}

func TestDoubleFaultFromUserThread(t *testing.T) {
	m, console := bootMachine(t)
	startUser(t, m, "init")

	regs := m.Frame(ring0.DoubleFault, 0)
	if !regs.UserMode() {
		t.Fatalf("frame for user thread is not in user mode: %+v", regs)
	}
	h := m.Run(func() { m.Deliver(regs) })
	if h == nil || h.Reason != "DOUBLE_FAULT" {
		t.Fatalf("halt = %v, want DOUBLE_FAULT", h)
	}
	out := console.String()
	if strings.Contains(out, "overflow") {
		t.Errorf("double fault with a mapped kernel stack reported as overflow:\n%s", out)
	}
	for _, want := range []string{
		fmt.Sprintf("Double fault at EIP: 0x%x ESP: 0x%x\n", regs.EIP, regs.ESP),
		fmt.Sprintf("User ESP: 0x%x\n", regs.UserESP),
	} {
		if !strings.Contains(out, want) {
			t.Errorf("console missing %q:\n%s", want, out)
		}
	}
}

func TestInit(t *testing.T) {
	if _, err := Current(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Current before Init = %v, want ErrNotInitialized", err)
	}
	m, err := Init(Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !m.Booted() {
		t.Errorf("Init did not boot")
	}
	again, err := Init(Config{RTCFrequency: 3000})
	if err != nil || again != m {
		t.Errorf("second Init = %p, %v; want %p", again, err, m)
	}
	if cur, err := Current(); err != nil || cur != m {
		t.Errorf("Current = %p, %v; want %p", cur, err, m)
	}
}
