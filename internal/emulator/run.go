package emulator

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/disasm"
	"github.com/zboralski/ucstep/internal/live"
	"github.com/zboralski/ucstep/internal/log"
	"github.com/zboralski/ucstep/internal/vcpu"
)

// StopReason says why a run halted.
type StopReason int

const (
	ReasonEnded      StopReason = iota // the CPU returned on its own
	ReasonStepped                      // the step mode condition was met
	ReasonReachedEnd                   // the end address executed
	ReasonLooping                      // the anti-loop guard fired
	ReasonExternal                     // Stop was called
	ReasonError                        // see RunResult.Err
)

func (r StopReason) String() string {
	switch r {
	case ReasonEnded:
		return "ended"
	case ReasonStepped:
		return "stepped"
	case ReasonReachedEnd:
		return "reached end"
	case ReasonLooping:
		return "looping"
	case ReasonExternal:
		return "stopped"
	case ReasonError:
		return "error"
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

// RunResult is delivered once per run.
type RunResult struct {
	Reason StopReason
	// Err is set only for ReasonError. Reaching the end and loop
	// detection are not errors.
	Err   error
	Begin uint64
	// Next is where the following run starts.
	Next      uint64
	Retired   int
	Registers map[string]uint64
}

func (r RunResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	}
	return fmt.Sprintf("%s after %d instructions, next %#x", r.Reason, r.Retired, r.Next)
}

func (e *Engine) loop() {
	defer close(e.exited)
	for {
		select {
		case job := <-e.jobs:
			e.finish(job, e.run(job))
		case <-e.done:
			select {
			case job := <-e.jobs:
				e.finish(job, RunResult{Reason: ReasonError, Err: ErrClosed, Begin: job.begin})
			default:
			}
			return
		}
	}
}

// finish clears the running flag before publishing so a consumer of the
// result can start the next run immediately.
func (e *Engine) finish(job runJob, res RunResult) {
	e.running.Store(false)
	job.result <- res
	close(job.result)
	e.observers.OnStop(res)
}

func (e *Engine) run(job runJob) RunResult {
	e.stopRequested = false
	e.externalStop.Store(false)
	e.pending, e.reason = ReasonEnded, ReasonEnded
	e.runErr = nil
	e.retired = 0
	e.antiLoop = 0

	err := e.cpu.Start(job.begin, ^uint64(0))
	if err != nil && e.runErr == nil {
		e.runErr = fmt.Errorf("%w: %w", ErrRunError, err)
	}
	if e.runErr != nil {
		e.reason = ReasonError
		e.log.Console(fmt.Sprintf("error: %v", e.runErr))
	} else if e.reason == ReasonEnded && e.stopRequested {
		e.reason = e.pending
	}

	e.regs.Refresh(e.cpu, e.thumb)
	return RunResult{
		Reason:    e.reason,
		Err:       e.runErr,
		Begin:     job.begin,
		Next:      e.next,
		Retired:   e.retired,
		Registers: e.regs.Values(),
	}
}

// requestStop halts the run at the next instruction hook, so the current
// instruction still executes.
func (e *Engine) requestStop(reason StopReason) {
	if !e.stopRequested {
		e.stopRequested = true
		e.pending = reason
	}
}

// halt stops the CPU before the hooked instruction executes.
func (e *Engine) halt(reason StopReason, msg string) {
	e.reason = reason
	if msg != "" {
		e.log.Console(msg)
	}
	if err := e.cpu.Stop(); err != nil {
		e.log.Warn("cpu stop", zap.Error(err))
	}
}

func (e *Engine) fail(err error) {
	e.runErr = err
	e.halt(ReasonError, "")
}

func (e *Engine) onCode(addr uint64, size uint32) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(fmt.Errorf("%w: %v", ErrRunError, r))
		}
	}()

	if e.stopRequested {
		switch e.pending {
		case ReasonReachedEnd:
			e.halt(ReasonReachedEnd, "emulator stopped: reached end")
		default:
			e.halt(e.pending, "")
		}
		return
	}
	if e.externalStop.Load() || e.closing() {
		e.halt(ReasonExternal, "emulator stopped")
		return
	}
	if e.antiLoop != 0 && addr == e.antiLoop {
		e.halt(ReasonLooping, fmt.Sprintf("emulator stopped: %v at %#x", ErrLoopDetected, addr))
		return
	}
	e.antiLoop = 0
	e.current = addr

	pc, err := e.cpu.RegRead(e.spec.PC)
	if err != nil {
		e.fail(fmt.Errorf("%w: read %s: %w", ErrRunError, e.spec.PC, err))
		return
	}
	if e.end != 0 && arch.AlignInstruction(pc, false) == arch.AlignInstruction(e.end, false) {
		e.requestStop(ReasonReachedEnd)
	}

	e.regs.Refresh(e.cpu, e.thumb)

	code, err := e.cpu.MemRead(addr, uint64(size))
	if err != nil {
		e.fail(fmt.Errorf("%w: read %d bytes at %#x: %w", ErrDisassemblyFailed, size, addr, err))
		return
	}
	inst, err := e.dec.Decode(addr, code, decodeState{e.regs, e.cpu})
	if err != nil {
		e.log.Console("emulator stopped: disasm")
		e.fail(fmt.Errorf("%w: %w", ErrDisassemblyFailed, err))
		return
	}
	e.retired++

	e.observers.OnHook(inst)
	if e.callbacks != nil {
		e.callbacks.HookCode(inst, addr, size)
	}

	e.next = inst.Next()
	if inst.SwitchMode && e.arch.IsARM() {
		e.thumb = !e.thumb
		e.dec.SetThumb(e.thumb)
		e.log.Debug("instruction set switch", log.Addr(addr), zap.Bool("thumb", e.thumb))
	}
	e.observers.OnStep(Step{Address: addr, Next: e.next, Thumb: e.thumb})

	switch e.mode {
	case StepSingle:
		e.requestStop(ReasonStepped)
	case StepCall:
		if inst.IsCall {
			e.requestStop(ReasonStepped)
		}
	case StepJump:
		if inst.IsJump || inst.IsReturn {
			e.requestStop(ReasonStepped)
		}
	}

	if e.delay > 0 {
		time.Sleep(e.delay)
	}
}

func (e *Engine) closing() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// decodeState resolves register and memory operands against the CPU.
type decodeState struct {
	*RegisterContext
	cpu vcpu.CPU
}

func (s decodeState) ReadMemory(addr uint64, size int) ([]byte, error) {
	return s.cpu.MemRead(addr, uint64(size))
}

var _ disasm.State = decodeState{}

func (e *Engine) onMemory(access vcpu.Access, addr uint64, size int, value int64) {
	if access == vcpu.AccessRead {
		if v, err := vcpu.ReadUint(e.cpu, addr, size); err == nil {
			value = int64(v)
		}
	}
	e.observers.OnMemoryAccess(MemoryAccess{Access: access, Address: addr, Size: size, Value: value})
	if e.callbacks != nil {
		e.callbacks.HookMemoryAccess(access, addr, size, value)
	}
}

func (e *Engine) onUnmapped(access vcpu.Access, addr uint64, size int, value int64) bool {
	e.log.Console(fmt.Sprintf("trying to %s unmapped memory at %#x", access, addr))
	if err := e.mapRange(addr); err != nil {
		e.log.Console(fmt.Sprintf("error %d mapping range at %#x: %v", PageErrorCode(err), addr, err))
		return false
	}
	e.antiLoop = e.current
	return true
}

// mapRange pages in the live process region containing addr, together
// with every live region that shares one of its CPU pages. On failure the
// pages mapped by this call are released and nothing is recorded.
func (e *Engine) mapRange(addr uint64) error {
	region, err := e.proc.Region(addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPageMapFailed, err)
	}
	regions, lo, hi := e.pageNeighbours(region)

	var mapped []span
	unwind := func(err error) error {
		for _, s := range mapped {
			err = multierr.Append(err, e.cpu.MemUnmap(s.lo, s.hi-s.lo))
		}
		return err
	}
	for _, g := range e.ranges.gaps(lo, hi) {
		if err := e.cpu.MemMap(g.lo, g.hi-g.lo); err != nil {
			return unwind(fmt.Errorf("%w: map %#x-%#x: %w", ErrPageMapFailed, g.lo, g.hi, err))
		}
		mapped = append(mapped, g)
	}

	added := make([]*MemoryRange, 0, len(regions))
	for _, r := range regions {
		data, err := e.proc.ReadMemory(r.Base, r.Size)
		if err != nil {
			return unwind(fmt.Errorf("%w: read %v: %w", ErrPageCopyFailed, r, err))
		}
		if err := e.cpu.MemWrite(r.Base, data); err != nil {
			return unwind(fmt.Errorf("%w: write %v: %w", ErrPageCopyFailed, r, err))
		}
		added = append(added, &MemoryRange{Base: r.Base, Size: r.Size, Data: data})
	}
	if err := e.ranges.add(added...); err != nil {
		return unwind(fmt.Errorf("%w: %w", ErrPageMapFailed, err))
	}

	for _, r := range added {
		e.log.Console(fmt.Sprintf("mapped %d at %#x", r.Size, r.Base), log.Addr(r.Base), log.Size(r.Size))
		e.observers.OnRangeMapped(*r)
	}
	return nil
}

// pageNeighbours returns first and the unrecorded live regions sharing a
// CPU page with it, directly or through one another, sorted by base, and
// the page-aligned span covering them all.
func (e *Engine) pageNeighbours(first live.Region) ([]live.Region, uint64, uint64) {
	out := []live.Region{first}
	lo, hi := vcpu.AlignDown(first.Base), vcpu.AlignUp(first.End())

	all := e.proc.Regions()
	used := make([]bool, len(all))
	for grown := true; grown; {
		grown = false
		for i, r := range all {
			if used[i] || r.Size == 0 || r == first || e.ranges.find(r.Base) != nil {
				continue
			}
			rlo, rhi := vcpu.AlignDown(r.Base), vcpu.AlignUp(r.End())
			if rlo >= hi || rhi <= lo {
				continue
			}
			used[i], grown = true, true
			out = append(out, r)
			lo, hi = min(lo, rlo), max(hi, rhi)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out, lo, hi
}
