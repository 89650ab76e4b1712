// Package emulator drives a sandboxed virtual CPU seeded from a live
// process: setup from a captured thread, demand paging of the live
// process memory, and an instruction hook that implements stepping.
package emulator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/callback"
	"github.com/zboralski/ucstep/internal/config"
	"github.com/zboralski/ucstep/internal/disasm"
	"github.com/zboralski/ucstep/internal/live"
	"github.com/zboralski/ucstep/internal/log"
	"github.com/zboralski/ucstep/internal/vcpu"
)

// StepMode selects when a run halts.
type StepMode int

const (
	StepNone   StepMode = iota // run until the end address or an external stop
	StepSingle                 // halt after one instruction
	StepCall                   // halt after the next call
	StepJump                   // halt after the next jump or return
)

func (m StepMode) String() string {
	switch m {
	case StepNone:
		return "none"
	case StepSingle:
		return "single"
	case StepCall:
		return "call"
	case StepJump:
		return "jump"
	}
	return fmt.Sprintf("StepMode(%d)", int(m))
}

func (m StepMode) Valid() bool { return m >= StepNone && m <= StepJump }

// Options configures an Engine.
type Options struct {
	// Process is the live context the CPU is seeded and paged from.
	Process live.Process
	// NewCPU creates the virtual CPU for the resolved architecture.
	NewCPU vcpu.Factory
	// Config is read before every run. Defaults to an in-memory store.
	Config config.Store
	Logger *log.Logger
	// Blocklist names registers never written to the CPU.
	Blocklist []string
}

// Engine owns one virtual CPU. Setup, Clean and Emulate are called from a
// single controlling goroutine (see package worker); runs execute on the
// engine's own run goroutine.
type Engine struct {
	proc    live.Process
	newCPU  vcpu.Factory
	cfg     config.Store
	log     *log.Logger
	blocked map[string]bool

	observers Observers

	running      atomic.Bool
	externalStop atomic.Bool

	// Everything below is owned by the controlling goroutine while idle
	// and by the run goroutine while running.
	arch      arch.Arch
	spec      *arch.Spec
	thumb     bool
	cpu       vcpu.CPU
	dec       *disasm.Decoder
	regs      *RegisterContext
	ranges    rangeTable
	setupDone bool

	current uint64
	next    uint64
	mode    StepMode
	end     uint64

	antiLoop      uint64
	stopRequested bool
	pending       StopReason
	reason        StopReason
	runErr        error
	retired       int
	delay         time.Duration

	callbacksPath string
	callbacks     callback.Module

	// closeMu orders job submission against Close so no job is queued
	// once done is closed.
	closeMu   sync.Mutex
	jobs      chan runJob
	closeOnce sync.Once
	done      chan struct{}
	exited    chan struct{}
}

type runJob struct {
	begin, until uint64
	result       chan RunResult
}

// New creates an engine and starts its run goroutine. The configured
// callback module path is reset.
func New(opts Options) (*Engine, error) {
	if opts.Process == nil {
		return nil, errors.New("emulator: no live process")
	}
	if opts.NewCPU == nil {
		return nil, errors.New("emulator: no CPU factory")
	}
	if opts.Config == nil {
		opts.Config = config.NewMemory(nil)
	}
	if opts.Logger == nil {
		opts.Logger = log.Get()
	}

	e := &Engine{
		proc:    opts.Process,
		newCPU:  opts.NewCPU,
		cfg:     opts.Config,
		blocked: make(map[string]bool, len(opts.Blocklist)),
		jobs:    make(chan runJob, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	e.log = opts.Logger.WithComponent("engine")
	e.log.SetOnLog(e.observers.OnLog)
	for _, r := range opts.Blocklist {
		e.blocked[r] = true
	}

	if err := e.cfg.Put(config.KeyCallbacksPath, ""); err != nil {
		return nil, fmt.Errorf("reset callbacks path: %w", err)
	}

	go e.loop()
	return e, nil
}

// AddObserver registers obs for all notifications.
func (e *Engine) AddObserver(obs Observer) { e.observers.Add(obs) }

// IsRunning reports whether a run is in flight.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// Arch is the architecture of the current setup, or arch.Unknown.
func (e *Engine) Arch() arch.Arch { return e.arch }

func (e *Engine) Thumb() bool { return e.thumb }

// IsSetup reports whether a CPU is set up.
func (e *Engine) IsSetup() bool { return e.setupDone }

// Next is the address the next run starts from, 0 before the first
// instruction.
func (e *Engine) Next() uint64 { return e.next }

// Ranges returns the memory ranges paged in so far.
func (e *Engine) Ranges() []MemoryRange { return e.ranges.all() }

// Registers returns the latest register snapshot.
func (e *Engine) Registers() map[string]uint64 {
	if e.regs == nil {
		return map[string]uint64{}
	}
	return e.regs.Values()
}

// ReadMemory reads from the virtual CPU.
func (e *Engine) ReadMemory(addr uint64, size int) ([]byte, error) {
	if e.cpu == nil {
		return nil, ErrNotSetup
	}
	return e.cpu.MemRead(addr, uint64(size))
}

// WriteMemory writes to the virtual CPU. The live process is untouched.
func (e *Engine) WriteMemory(addr uint64, data []byte) error {
	if e.cpu == nil {
		return ErrNotSetup
	}
	return e.cpu.MemWrite(addr, data)
}

// WriteRegister writes a register of the virtual CPU and the snapshot.
func (e *Engine) WriteRegister(name string, v uint64) error {
	if e.cpu == nil {
		return ErrNotSetup
	}
	canon, ok := e.spec.Canonical(name)
	if !ok {
		return fmt.Errorf("%w: %s", vcpu.ErrUnknownRegister, name)
	}
	if err := e.cpu.RegWrite(canon, v); err != nil {
		return err
	}
	return e.regs.Set(canon, v)
}

// Stop asks the current run to halt before its next instruction.
func (e *Engine) Stop() {
	e.externalStop.Store(true)
}

// Setup binds the engine to thread tid of the live process (0 selects the
// current thread) and creates the CPU. override selects the architecture
// explicitly; arch.Unknown infers it from the process. Setting up again
// discards the previous CPU.
func (e *Engine) Setup(tid int, override arch.Arch) error {
	if e.running.Load() {
		return ErrAlreadyRunning
	}
	return e.setupThread(tid, override)
}

func (e *Engine) setupThread(tid int, override arch.Arch) error {
	if tid == 0 {
		tid = e.proc.CurrentThread()
	}
	if tid == 0 {
		return fmt.Errorf("%w: no current thread", ErrInvalidContext)
	}
	th, err := e.proc.Thread(tid)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidContext, err)
	}
	if !th.Native {
		return fmt.Errorf("%w: thread %d has no native register context", ErrInvalidContext, tid)
	}

	if err := e.teardown(); err != nil {
		e.log.Warn("teardown before setup", zap.Error(err))
	}

	a := override
	if !a.Valid() {
		a = e.proc.Arch().WithThumb(th.Thumb)
	}
	if err := e.setup(th, a); err != nil {
		if terr := e.teardown(); terr != nil {
			err = multierr.Append(err, terr)
		}
		return err
	}
	e.log.Console(fmt.Sprintf("setup %s for thread %d", a, tid))
	e.observers.OnSetup(a)
	return nil
}

func (e *Engine) setup(th *live.Thread, a arch.Arch) error {
	if !a.Valid() {
		return fmt.Errorf("%w: %w: %v", ErrSetupFailed, arch.ErrUnsupported, a)
	}
	cpu, err := e.newCPU(a)
	if err != nil {
		return fmt.Errorf("%w: create cpu: %w", ErrSetupFailed, err)
	}
	dec, err := disasm.New(a)
	if err != nil {
		cpu.Close()
		return fmt.Errorf("%w: create decoder: %w", ErrSetupFailed, err)
	}

	e.arch, e.spec, e.thumb = a, a.Spec(), a.Thumb()
	e.cpu, e.dec = cpu, dec
	e.regs = NewRegisterContext(a)

	if e.thumb {
		if err := enableVFP(cpu); err != nil {
			return fmt.Errorf("%w: enable vfp: %w", ErrSetupFailed, err)
		}
	}

	pc, _ := e.threadReg(th, e.spec.PC)
	if err := e.mapRange(pc); err != nil {
		return fmt.Errorf("%w: mapping failed: %w", ErrSetupFailed, err)
	}

	written, err := e.regs.Sync(cpu, th.Registers, e.thumb, e.blocked)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}
	e.log.Debug("registers written", zap.Strings("regs", written))

	if err := cpu.HookCode(e.onCode); err != nil {
		return fmt.Errorf("%w: hook code: %w", ErrSetupFailed, err)
	}
	if err := cpu.HookMemory(e.onMemory); err != nil {
		return fmt.Errorf("%w: hook memory: %w", ErrSetupFailed, err)
	}
	if err := cpu.HookUnmapped(e.onUnmapped); err != nil {
		return fmt.Errorf("%w: hook unmapped: %w", ErrSetupFailed, err)
	}

	e.regs.Refresh(cpu, e.thumb)
	e.current, e.next = 0, 0
	e.setupDone = true
	return nil
}

// threadReg looks up a canonical register among the thread's registers,
// which may use another architecture's names after an override.
func (e *Engine) threadReg(th *live.Thread, canon string) (uint64, bool) {
	for name, v := range th.Registers {
		if c, ok := e.spec.Canonical(name); ok && c == canon {
			return v, true
		}
	}
	return 0, false
}

// vfpEnable turns on CP10/CP11 access and sets FPEXC.EN.
var vfpEnable = []byte{
	0x4f, 0xf4, 0x70, 0x00, // mov.w r0, #0xf00000
	0x01, 0xee, 0x50, 0x0f, // mcr p15, 0, r0, c1, c0, 2
	0xbf, 0xf3, 0x6f, 0x8f, // isb
	0x4f, 0xf0, 0x80, 0x43, // mov.w r3, #0x40000000
	0xe8, 0xee, 0x10, 0x3a, // vmsr fpexc, r3
}

const vfpScratch = 0x1000

func enableVFP(cpu vcpu.CPU) error {
	if err := cpu.MemMap(vfpScratch, vcpu.PageSize); err != nil {
		return err
	}
	err := cpu.MemWrite(vfpScratch, vfpEnable)
	if err == nil {
		err = cpu.Start(vfpScratch|1, vfpScratch+uint64(len(vfpEnable)))
	}
	return multierr.Append(err, cpu.MemUnmap(vfpScratch, vcpu.PageSize))
}

// Clean tears down the CPU, paged ranges and stepping state.
func (e *Engine) Clean() error {
	if e.running.Load() {
		return ErrAlreadyRunning
	}
	err := e.teardown()
	e.log.Console("emulator cleaned")
	return err
}

func (e *Engine) teardown() error {
	var err error
	if e.callbacks != nil {
		err = multierr.Append(err, e.callbacks.Close())
		e.callbacks = nil
	}
	if e.cpu != nil {
		err = multierr.Append(err, e.cpu.Close())
		e.cpu = nil
	}
	e.dec = nil
	e.regs = nil
	e.ranges.reset()
	e.arch, e.spec, e.thumb = arch.Unknown, nil, false
	e.setupDone = false
	e.current, e.next, e.end = 0, 0, 0
	e.antiLoop = 0
	return err
}

// Start runs until the instruction at until has executed. until 0 runs
// until an external stop.
func (e *Engine) Start(until uint64) (<-chan RunResult, error) {
	return e.Emulate(until, StepNone)
}

// Step runs one step of the given granularity.
func (e *Engine) Step(mode StepMode) (<-chan RunResult, error) {
	return e.Emulate(0, mode)
}

// Emulate validates and hands a run to the run goroutine. It returns as
// soon as the run is queued; the result arrives on the returned channel.
func (e *Engine) Emulate(until uint64, mode StepMode) (<-chan RunResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	job, err := e.prepare(until, mode)
	if err != nil {
		e.running.Store(false)
		return nil, err
	}
	// Only one run is in flight, so the buffered send never blocks.
	e.jobs <- job
	return job.result, nil
}

func (e *Engine) prepare(until uint64, mode StepMode) (runJob, error) {
	select {
	case <-e.done:
		return runJob{}, ErrClosed
	default:
	}
	if !mode.Valid() {
		mode = StepSingle
	}

	if !e.setupDone {
		if err := e.setupThread(0, arch.Unknown); err != nil {
			return runJob{}, fmt.Errorf("%w: %w", ErrSetupFailed, err)
		}
	}
	if until != 0 && e.spec.Mask(until) != until {
		return runJob{}, fmt.Errorf("%w: %#x", ErrInvalidEndAddress, until)
	}

	begin := e.next
	if begin == 0 {
		pc, err := e.cpu.RegRead(e.spec.PC)
		if err != nil {
			return runJob{}, fmt.Errorf("%w: read %s: %w", ErrSetupFailed, e.spec.PC, err)
		}
		begin = pc
	}

	switch {
	case until != 0:
		e.log.Console(fmt.Sprintf("start emulation from %#x to %#x", begin, until))
	case mode == StepCall:
		e.log.Console("stepping to next function call")
	case mode == StepJump:
		e.log.Console("stepping to next jump")
	default:
		e.log.Console(fmt.Sprintf("stepping %#x", begin))
	}

	e.loadConfig()

	if until == 0 && mode == StepNone {
		mode = StepSingle
	}
	e.mode = mode
	e.end = until
	begin = arch.AlignInstruction(begin, e.thumb)
	e.observers.OnStart(begin, until, mode)

	return runJob{begin: begin, until: until, result: make(chan RunResult, 1)}, nil
}

// loadConfig reads the configuration store and reloads the callback
// module. A module that fails to load is dropped and its path cleared.
func (e *Engine) loadConfig() {
	e.callbacksPath = e.cfg.String(config.KeyCallbacksPath, "")
	e.delay = time.Duration(e.cfg.Int(config.KeyInstructionsDelay, 0)) * time.Millisecond

	if e.callbacks != nil {
		if err := e.callbacks.Close(); err != nil {
			e.log.Debug("close callbacks", zap.Error(err))
		}
		e.callbacks = nil
	}
	if e.callbacksPath == "" {
		return
	}
	mod, err := callback.Load(e.callbacksPath, e, e.log)
	if err != nil {
		e.log.Console(fmt.Sprintf("failed to load callbacks: %v", err))
		if perr := e.cfg.Put(config.KeyCallbacksPath, ""); perr != nil {
			e.log.Warn("reset callbacks path", zap.Error(perr))
		}
		e.callbacksPath = ""
		return
	}
	e.callbacks = mod
}

// Close stops any run, tears down the CPU and ends the run goroutine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.Stop()
		e.closeMu.Lock()
		close(e.done)
		e.closeMu.Unlock()
		<-e.exited
		err = e.teardown()
	})
	return err
}
