package trace

import (
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/disasm"
	"github.com/zboralski/ucstep/internal/emulator"
	"github.com/zboralski/ucstep/internal/vcpu"
)

// DefaultLimit bounds the number of events a Recorder keeps.
const DefaultLimit = 100000

// Recorder is an engine observer that keeps the most recent events.
type Recorder struct {
	emulator.NopObserver

	mu sync.Mutex
	// events is a ring once it holds limit events; head is the oldest.
	events    []*Event
	head      int
	limit     int
	dropped   int
	enrichers []Enricher
}

var _ emulator.Observer = (*Recorder)(nil)

// NewRecorder keeps at most limit events (DefaultLimit when limit <= 0).
func NewRecorder(limit int, enrichers ...Enricher) *Recorder {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Recorder{limit: limit, enrichers: enrichers}
}

func (r *Recorder) add(e *Event) {
	for _, fn := range r.enrichers {
		fn(e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) < r.limit {
		r.events = append(r.events, e)
		return
	}
	r.events[r.head] = e
	r.head = (r.head + 1) % r.limit
	r.dropped++
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, 0, len(r.events))
	out = append(out, r.events[r.head:]...)
	return append(out, r.events[:r.head]...)
}

// Dropped is the number of events discarded to stay within the limit.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Reset discards all events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.head = 0
	r.dropped = 0
}

func (r *Recorder) OnSetup(a arch.Arch) {
	r.add(NewEvent(0, Setup, "setup", a.String()))
}

func (r *Recorder) OnStart(from, until uint64, mode emulator.StepMode) {
	e := NewEvent(from, Start, "start", mode.String())
	e.Annotate("until", fmt.Sprintf("%#x", until))
	r.add(e)
}

func (r *Recorder) OnStop(res emulator.RunResult) {
	e := NewEvent(res.Next, Stop, res.Reason.String(), "")
	if res.Err != nil {
		e.AddTag(Error)
		e.Detail = res.Err.Error()
	}
	e.Annotate("retired", fmt.Sprint(res.Retired))
	r.add(e)
}

func (r *Recorder) OnHook(inst *disasm.Instruction) {
	e := NewEvent(inst.Address, Insn, inst.Mnemonic, inst.OpStr)
	e.Annotate("bytes", fmt.Sprintf("%x", inst.Bytes))
	switch {
	case inst.IsCall:
		e.AddTag(Call)
	case inst.IsReturn:
		e.AddTag(Ret)
	case inst.IsJump:
		e.AddTag(Jump)
	}
	if inst.Conditional {
		e.AddTag(Cond)
		if inst.Taken {
			e.AddTag(Taken)
		}
	}
	if inst.SwitchMode {
		e.AddTag(Switch)
	}
	if inst.HasTarget {
		e.Annotate("target", fmt.Sprintf("%#x", inst.Target))
	}
	r.add(e)
}

func (r *Recorder) OnMemoryAccess(m emulator.MemoryAccess) {
	tag := Read
	switch m.Access {
	case vcpu.AccessWrite:
		tag = Write
	case vcpu.AccessFetch:
		tag = Fetch
	}
	e := NewEvent(m.Address, tag, m.Access.String(), fmt.Sprintf("%#x", uint64(m.Value)))
	e.Annotate("size", fmt.Sprint(m.Size))
	r.add(e)
}

func (r *Recorder) OnRangeMapped(m emulator.MemoryRange) {
	e := NewEvent(m.Base, Mapped, "mapped", m.String())
	e.Annotate("size", fmt.Sprint(m.Size))
	r.add(e)
}

func (r *Recorder) OnLog(msg string) {
	r.add(NewEvent(0, Log, "log", msg))
}

type eventDoc struct {
	PC          string            `yaml:"pc"`
	Tags        []string          `yaml:"tags"`
	Name        string            `yaml:"name"`
	Detail      string            `yaml:"detail,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
	Time        time.Time         `yaml:"time"`
}

// Dump writes the recorded events as a YAML sequence.
func (r *Recorder) Dump(w io.Writer) error {
	events := r.Events()
	docs := make([]eventDoc, len(events))
	for i, e := range events {
		docs[i] = eventDoc{
			PC:          fmt.Sprintf("%#x", e.PC),
			Tags:        e.Tags.Raw(),
			Name:        e.Name,
			Detail:      e.Detail,
			Annotations: e.Annotations,
			Time:        e.Timestamp,
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(docs); err != nil {
		return fmt.Errorf("dump trace: %w", err)
	}
	return enc.Close()
}
