package trace

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/zboralski/ucstep/internal/disasm"
	"github.com/zboralski/ucstep/internal/emulator"
	"github.com/zboralski/ucstep/internal/vcpu"
)

func TestRecorderTags(t *testing.T) {
	r := NewRecorder(0)
	r.OnHook(&disasm.Instruction{Address: 0x1004, Size: 4, Mnemonic: "bl", OpStr: "0x1104", IsCall: true, Target: 0x1104, HasTarget: true})
	r.OnHook(&disasm.Instruction{Address: 0x2000, Size: 2, Mnemonic: "beq", Thumb: true, IsJump: true, Conditional: true, Taken: true})
	r.OnMemoryAccess(emulator.MemoryAccess{Access: vcpu.AccessWrite, Address: 0x40000, Size: 8, Value: 1})
	r.OnStop(emulator.RunResult{Reason: emulator.ReasonError, Err: errors.New("boom"), Retired: 3})

	events := r.Events()
	if len(events) != 4 {
		t.Fatalf("got %d events", len(events))
	}
	if got := strings.Join(events[0].Tags.Strings(), " "); got != "#insn #call" {
		t.Errorf("call tags = %q", got)
	}
	if events[0].Annotations.Get("target") != "0x1104" {
		t.Errorf("target = %q", events[0].Annotations.Get("target"))
	}
	if !events[1].Tags.Has(Cond) || !events[1].Tags.Has(Taken) || !events[1].Tags.Has(Jump) {
		t.Errorf("branch tags = %v", events[1].Tags)
	}
	if events[2].Tags.Primary() != Write || events[2].Detail != "0x1" {
		t.Errorf("write event = %+v", events[2])
	}
	if events[3].PrimaryTag() != "#stop" || !events[3].Tags.Has(Error) || events[3].Detail != "boom" {
		t.Errorf("stop event = %+v", events[3])
	}
}

func TestRecorderLimit(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.OnLog(fmt.Sprintf("line %d", i))
	}
	events := r.Events()
	if len(events) != 3 {
		t.Fatalf("kept %d events, want 3", len(events))
	}
	for i, e := range events {
		if want := fmt.Sprintf("line %d", i+2); e.Detail != want {
			t.Errorf("event %d = %q, want %q", i, e.Detail, want)
		}
	}
	if r.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", r.Dropped())
	}
	r.Reset()
	if len(r.Events()) != 0 || r.Dropped() != 0 {
		t.Error("reset kept events")
	}
}

func TestRecorderEnricherAndDump(t *testing.T) {
	r := NewRecorder(0, func(e *Event) {
		if e.PC == 0x1000 {
			e.Annotate("label", "entry")
		}
	})
	r.OnRangeMapped(emulator.MemoryRange{Base: 0x1000, Size: 0x1000})

	var buf bytes.Buffer
	if err := r.Dump(&buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"pc: \"0x1000\"", "- mapped", "label: entry", "size: \"4096\""} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}
