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

// Package boot assembles the trap core into a machine: vector table,
// double fault recovery task, memory manager, kernel, interrupt controller
// and real time clock, all on a simulated processor and port bus.
package boot

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/trapcore/pkg/cpu"
	"gvisor.dev/trapcore/pkg/devices/pic"
	"gvisor.dev/trapcore/pkg/devices/rtc"
	"gvisor.dev/trapcore/pkg/eventchannel"
	"gvisor.dev/trapcore/pkg/ioport"
	"gvisor.dev/trapcore/pkg/kpanic"
	"gvisor.dev/trapcore/pkg/ktrace"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/pkg/ring0"
	"gvisor.dev/trapcore/pkg/sentry/kernel"
	"gvisor.dev/trapcore/pkg/sentry/mm"
)

const (
	// DefaultDoubleFaultStackPages is the size of the double fault stack.
	DefaultDoubleFaultStackPages = ring0.MinDoubleFaultStack / mm.PageSize

	// bootStackPages is the size of the stack the machine runs on before
	// any thread exists.
	bootStackPages = 4

	// kernelText is the interrupted instruction pointer of frames built by
	// Frame for kernel mode.
	kernelText uint32 = mm.KernelBase + 0x1000

	// userText and userStack are used by Frame for user mode frames.
	userText  uint32 = 0x08048000
	userStack uint32 = 0xbffff000

	// TripleFaultTag is the halt reason when an exception has no gate.
	TripleFaultTag = "TRIPLE_FAULT"
)

var (
	// ErrBooted is returned by Boot on a machine that already booted.
	ErrBooted = errors.New("machine already booted")

	// ErrNotInitialized is returned by Current before Init succeeds.
	ErrNotInitialized = errors.New("machine not initialized")
)

// Config configures a Machine.
type Config struct {
	// Console receives panics and fault reports. If nil, output is
	// discarded.
	Console io.Writer

	// Events receives kernel events. It may be nil.
	Events eventchannel.Emitter

	// FaultLog logs user faults. If nil, the kernel default is used.
	FaultLog log.Logger

	// DoubleFaultStackPages is the size of the double fault stack in pages.
	// Zero means DefaultDoubleFaultStackPages.
	DoubleFaultStackPages int

	// RTCFrequency is the periodic clock interrupt rate. Zero means
	// rtc.DefaultFrequency.
	RTCFrequency int

	// Symbols resolves return addresses in stack traces. If nil, a table
	// covering the entry stubs and the recovery routine is used.
	Symbols *ktrace.SymbolTable
}

// Options are test and tooling hooks.
type Options struct {
	// Table replaces the interrupt descriptor table. It must be empty.
	Table ring0.VectorTable

	// Time is the initial clock time. If zero, the host clock is used.
	Time time.Time

	// Faults, if set, counts every processor exception delivered.
	Faults *ktrace.FaultProfile
}

// Machine is one simulated processor with its devices and kernel.
type Machine struct {
	cfg     Config
	console io.Writer

	cpu     *cpu.Sim
	bus     *ioport.Bus
	table   ring0.VectorTable
	panic   *kpanic.Panicker
	mm      *mm.MemoryManager
	kernel  *kernel.Kernel
	df      *ring0.DoubleFaultContext
	symbols *ktrace.SymbolTable
	faults  *ktrace.FaultProfile

	pic    *pic.PIC
	picSim *pic.Sim
	cmos   *rtc.SimCMOS
	rtc    *rtc.RTC

	bootStack uint32

	// irqs are the device handlers, indexed by IRQ line. They are fixed
	// before Boot.
	irqs [ring0.NumIRQs]func()

	booted atomic.Bool
}

// DefaultSymbols returns the symbol table for the fixed kernel entry
// points.
func DefaultSymbols() *ktrace.SymbolTable {
	syms := ktrace.NewSymbolTable()
	syms.Add("kernel_main", mm.KernelBase, kernelText-mm.KernelBase)
	syms.Add("kernel_text", kernelText, ring0.DoubleFaultEntry-kernelText)
	syms.Add("double_fault", ring0.DoubleFaultEntry, ring0.PageSize)
	syms.Add("isr_common", ring0.StubBase, ring0.NumVectors*ring0.StubSize)
	return syms
}

// New builds a machine. Interrupts stay disabled and the vector table is
// empty until Boot.
func New(cfg Config, opts Options) (*Machine, error) {
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	if cfg.DoubleFaultStackPages == 0 {
		cfg.DoubleFaultStackPages = DefaultDoubleFaultStackPages
	}
	if cfg.DoubleFaultStackPages < 0 {
		return nil, fmt.Errorf("double fault stack of %d pages: %w", cfg.DoubleFaultStackPages, ring0.ErrStackTooSmall)
	}
	if cfg.RTCFrequency == 0 {
		cfg.RTCFrequency = rtc.DefaultFrequency
	}
	if _, ok := rtc.RateFor(cfg.RTCFrequency); !ok {
		return nil, fmt.Errorf("unsupported RTC frequency %d Hz", cfg.RTCFrequency)
	}
	if cfg.Symbols == nil {
		cfg.Symbols = DefaultSymbols()
	}

	m := &Machine{
		cfg:     cfg,
		console: cfg.Console,
		cpu:     cpu.NewSim(),
		bus:     &ioport.Bus{},
		symbols: cfg.Symbols,
		faults:  opts.Faults,
	}
	m.table = opts.Table
	if m.table == nil {
		m.table = ring0.NewIDT(m.cpu)
	}
	m.panic = &kpanic.Panicker{Console: m.console, CPU: m.cpu, Events: cfg.Events}

	var err error
	if m.mm, err = mm.New(mm.Config{Console: m.console, Panic: m.panic}); err != nil {
		return nil, fmt.Errorf("creating memory manager: %w", err)
	}
	if m.kernel, err = kernel.New(kernel.Config{
		CPU:      m.cpu,
		MM:       m.mm,
		Panic:    m.panic,
		Events:   cfg.Events,
		FaultLog: cfg.FaultLog,
	}); err != nil {
		return nil, fmt.Errorf("creating kernel: %w", err)
	}
	if m.bootStack, err = m.mm.AllocKernelStackRegion(bootStackPages * mm.PageSize); err != nil {
		return nil, fmt.Errorf("allocating boot stack: %w", err)
	}

	// The recovery task and its stack are set up now so that entering it
	// later allocates nothing.
	size := uint32(cfg.DoubleFaultStackPages) * mm.PageSize
	base, err := m.mm.AllocKernelStackRegion(size)
	if err != nil {
		return nil, fmt.Errorf("allocating double fault stack: %w", err)
	}
	kpd := m.mm.KernelPageDirectory()
	if m.df, err = ring0.NewDoubleFaultContext(ring0.DoubleFaultConfig{
		PageDirectory: kpd.PhysicalAddress(),
		StackBase:     base,
		StackSize:     size,
		Memory:        kpd,
		Tracer:        &ktrace.Tracer{Mem: kpd, Symbols: m.symbols},
		Panic:         m.panic,
		CPU:           m.cpu,
		Console:       m.console,
	}); err != nil {
		return nil, err
	}

	m.picSim = pic.NewSim()
	if err := m.picSim.Attach(m.bus); err != nil {
		return nil, err
	}
	m.pic = pic.New(m.bus)

	now := opts.Time
	if now.IsZero() {
		now = time.Now().UTC()
	}
	m.cmos = rtc.NewSimCMOS(now)
	if err := m.cmos.Attach(m.bus); err != nil {
		return nil, err
	}
	m.rtc = rtc.New(rtc.NewCMOS(m.bus), m.kernel)
	m.irqs[rtc.IRQ] = m.rtc.HandleIRQ
	return m, nil
}

// Boot installs the vector table and unmasks interrupts.
//
// Every reserved vector gets a gate before interrupts are enabled: 0-31
// go to the kernel fault handler except the double fault, which is a task
// gate to the recovery task. The interrupt controllers are remapped past
// the reserved vectors and the IRQ vectors installed. The table is checked
// and sealed before the clock is started and interrupts unmasked.
func (m *Machine) Boot() error {
	if !m.booted.CompareAndSwap(false, true) {
		return ErrBooted
	}
	m.cpu.DisableInterrupts()

	for v := ring0.Vector(0); v < ring0.NumReserved; v++ {
		if v == ring0.DoubleFault {
			continue
		}
		if err := m.table.Install(v, m.kernel.HandleFault, 0); err != nil {
			return fmt.Errorf("installing fault handlers: %w", err)
		}
	}
	if err := m.table.InstallTask(ring0.DoubleFault, ring0.DoubleFaultTSS); err != nil {
		return fmt.Errorf("installing double fault task: %w", err)
	}

	master := uint8(ring0.IRQBase)
	if err := m.pic.Remap(master, master+8); err != nil {
		return fmt.Errorf("remapping PIC: %w", err)
	}
	for irq := 0; irq < ring0.NumIRQs; irq++ {
		if err := m.table.Remap(ring0.IRQVector(irq), m.irqHandler(irq)); err != nil {
			return fmt.Errorf("installing IRQ handlers: %w", err)
		}
	}

	if err := ring0.CheckComplete(m.table); err != nil {
		return err
	}
	if err := m.table.Seal(); err != nil {
		return err
	}

	m.rtc.Enable()
	if !m.rtc.SetFrequency(m.cfg.RTCFrequency) {
		return fmt.Errorf("unsupported RTC frequency %d Hz", m.cfg.RTCFrequency)
	}
	m.pic.Unmask(rtc.IRQ)

	m.cpu.EnableInterrupts()
	log.Infof("Machine booted: %d vectors, IRQs at %d, double fault stack %d pages",
		ring0.NumReserved+ring0.NumIRQs, master, m.cfg.DoubleFaultStackPages)
	return nil
}

// Booted returns true once Boot has run.
func (m *Machine) Booted() bool {
	return m.booted.Load()
}

// irqHandler returns the vector handler for irq: the device handler, then
// end of interrupt.
func (m *Machine) irqHandler(irq int) ring0.Handler {
	return func(*ring0.Registers) {
		if h := m.irqs[irq]; h != nil {
			h()
		} else {
			log.Debugf("Spurious IRQ %d", irq)
		}
		m.pic.EOI(irq)
	}
}

// Frame returns the register frame the processor would build for v
// interrupting the current context: the current thread in user mode if it
// has one, kernel code on the boot stack otherwise.
func (m *Machine) Frame(v ring0.Vector, errCode uint32) *ring0.Registers {
	regs := &ring0.Registers{
		Vector:    uint32(v),
		ErrorCode: errCode,
		EFLAGS:    0x202,
	}
	if t := m.kernel.CurrentThread(); t != nil && !t.IsKernelMode() {
		regs.CS = uint32(ring0.Ucode)
		regs.SS = uint32(ring0.Udata)
		regs.EIP = userText
		regs.UserESP = userStack
		regs.ESP = m.BootStackTop() - 16
		return regs
	}
	regs.CS = uint32(ring0.Kcode)
	regs.SS = uint32(ring0.Kdata)
	regs.EIP = kernelText
	regs.ESP = m.BootStackTop() - 16
	return regs
}

// Raise delivers exception v with errCode, as Deliver does for a frame
// built by Frame. For a page fault, CR2 must already hold the address.
func (m *Machine) Raise(v ring0.Vector, errCode uint32) {
	m.Deliver(m.Frame(v, errCode))
}

// Deliver dispatches regs through the vector table as the processor does.
//
// A missing gate is a triple fault and halts. The double fault task gate
// switches to the recovery task. Interrupt gates run their handler with
// interrupts disabled and restore the flag if the handler returns.
// Processor exceptions are counted in Options.Faults when it is set.
func (m *Machine) Deliver(regs *ring0.Registers) {
	v := ring0.Vector(regs.Vector)
	if m.faults != nil && v.IsReserved() {
		m.faults.Record(v.String(), regs.EIP)
	}
	g := m.table.Gate(v)
	if !g.Present {
		fmt.Fprintf(m.console, "Triple fault: no gate for %v\n", v)
		m.cpu.Halt(TripleFaultTag)
		return
	}
	if g.Type == ring0.TaskGate {
		m.df.Enter(regs)
		return
	}
	h := m.table.Handler(v)
	if h == nil {
		fmt.Fprintf(m.console, "Triple fault: no handler for %v\n", v)
		m.cpu.Halt(TripleFaultTag)
		return
	}
	intr := m.cpu.InterruptsEnabled()
	m.cpu.DisableInterrupts()
	h(regs)
	if intr {
		m.cpu.EnableInterrupts()
	}
}

// Interrupt asserts irq and, if interrupts are enabled, runs the
// acknowledge cycle and delivers the resulting vector. It returns false if
// nothing was delivered; the request stays pending in the controller.
func (m *Machine) Interrupt(irq int) bool {
	m.picSim.Raise(irq)
	if !m.cpu.InterruptsEnabled() {
		return false
	}
	_, vector, ok := m.picSim.Acknowledge()
	if !ok {
		return false
	}
	m.Deliver(m.Frame(ring0.Vector(vector), 0))
	return true
}

// Tick raises one periodic clock interrupt.
func (m *Machine) Tick() bool {
	m.cmos.RaisePeriodic()
	return m.Interrupt(rtc.IRQ)
}

// Run runs fn on the machine and returns the halt that stopped it, or nil.
func (m *Machine) Run(fn func()) *cpu.HaltedError {
	return cpu.RunUntilHalt(fn)
}

// CPU returns the processor.
func (m *Machine) CPU() *cpu.Sim { return m.cpu }

// Bus returns the port bus.
func (m *Machine) Bus() *ioport.Bus { return m.bus }

// Table returns the vector table.
func (m *Machine) Table() ring0.VectorTable { return m.table }

// Kernel returns the kernel.
func (m *Machine) Kernel() *kernel.Kernel { return m.kernel }

// MemoryManager returns the memory manager.
func (m *Machine) MemoryManager() *mm.MemoryManager { return m.mm }

// Panicker returns the panic boundary.
func (m *Machine) Panicker() *kpanic.Panicker { return m.panic }

// DoubleFault returns the double fault recovery task.
func (m *Machine) DoubleFault() *ring0.DoubleFaultContext { return m.df }

// PIC returns the interrupt controller driver.
func (m *Machine) PIC() *pic.PIC { return m.pic }

// PICSim returns the simulated interrupt controller.
func (m *Machine) PICSim() *pic.Sim { return m.picSim }

// RTC returns the real time clock.
func (m *Machine) RTC() *rtc.RTC { return m.rtc }

// CMOS returns the simulated CMOS chip.
func (m *Machine) CMOS() *rtc.SimCMOS { return m.cmos }

// Symbols returns the symbol table used for stack traces.
func (m *Machine) Symbols() *ktrace.SymbolTable { return m.symbols }

// BootStack returns the lowest address of the boot stack. The page below
// it is the unmapped guard page.
func (m *Machine) BootStack() uint32 { return m.bootStack }

// BootStackTop returns the address just above the boot stack.
func (m *Machine) BootStackTop() uint32 { return m.bootStack + bootStackPages*mm.PageSize }

var (
	initOnce sync.Once
	initErr  error

	// mu protects current.
	mu      sync.Mutex
	current *Machine
)

// Init builds and boots the process-wide machine. Only the first call has
// any effect; later calls return the same machine and error.
func Init(cfg Config) (*Machine, error) {
	initOnce.Do(func() {
		m, err := New(cfg, Options{})
		if err == nil {
			err = m.Boot()
		}
		if err != nil {
			initErr = err
			return
		}
		mu.Lock()
		current = m
		mu.Unlock()
	})
	if initErr != nil {
		return nil, initErr
	}
	return Current()
}

// Current returns the machine built by Init.
func Current() (*Machine, error) {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil, ErrNotInitialized
	}
	return current, nil
}
