package emulator

import (
	"sync"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/disasm"
	"github.com/zboralski/ucstep/internal/vcpu"
)

// MemoryAccess is a read or write seen by the memory hook. For reads,
// Value is the value in memory after the access.
type MemoryAccess struct {
	Access  vcpu.Access
	Address uint64
	Size    int
	Value   int64
}

// Step is emitted once an instruction has been classified and the next
// instruction pointer is known.
type Step struct {
	Address uint64
	Next    uint64
	Thumb   bool
}

// Observer receives engine notifications. Calls made during a run come
// from the run goroutine and must not block.
type Observer interface {
	OnSetup(a arch.Arch)
	OnStart(from, until uint64, mode StepMode)
	OnStop(res RunResult)
	OnStep(s Step)
	OnHook(inst *disasm.Instruction)
	OnMemoryAccess(m MemoryAccess)
	OnRangeMapped(r MemoryRange)
	OnLog(msg string)
}

// NopObserver implements Observer with no-ops. Embed it to implement only
// the notifications you need.
type NopObserver struct{}

func (NopObserver) OnSetup(arch.Arch)                {}
func (NopObserver) OnStart(uint64, uint64, StepMode) {}
func (NopObserver) OnStop(RunResult)                 {}
func (NopObserver) OnStep(Step)                      {}
func (NopObserver) OnHook(*disasm.Instruction)       {}
func (NopObserver) OnMemoryAccess(MemoryAccess)      {}
func (NopObserver) OnRangeMapped(MemoryRange)        {}
func (NopObserver) OnLog(string)                     {}

// Observers fans notifications out to every registered observer.
type Observers struct {
	mu   sync.RWMutex
	list []Observer
}

var _ Observer = (*Observers)(nil)

func (o *Observers) Add(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, obs)
}

func (o *Observers) each(fn func(Observer)) {
	o.mu.RLock()
	list := o.list
	o.mu.RUnlock()
	for _, obs := range list {
		fn(obs)
	}
}

func (o *Observers) OnSetup(a arch.Arch) { o.each(func(x Observer) { x.OnSetup(a) }) }

func (o *Observers) OnStart(from, until uint64, mode StepMode) {
	o.each(func(x Observer) { x.OnStart(from, until, mode) })
}

func (o *Observers) OnStop(res RunResult)          { o.each(func(x Observer) { x.OnStop(res) }) }
func (o *Observers) OnStep(s Step)                 { o.each(func(x Observer) { x.OnStep(s) }) }
func (o *Observers) OnHook(i *disasm.Instruction)  { o.each(func(x Observer) { x.OnHook(i) }) }
func (o *Observers) OnMemoryAccess(m MemoryAccess) { o.each(func(x Observer) { x.OnMemoryAccess(m) }) }
func (o *Observers) OnRangeMapped(r MemoryRange)   { o.each(func(x Observer) { x.OnRangeMapped(r) }) }
func (o *Observers) OnLog(msg string)              { o.each(func(x Observer) { x.OnLog(msg) }) }
