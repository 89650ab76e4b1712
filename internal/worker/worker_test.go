package worker

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/emulator"
	"github.com/zboralski/ucstep/internal/log"
	"github.com/zboralski/ucstep/internal/protocol"
)

// fakeEngine blocks every run until the test feeds a result on runs or
// Stop is called.
type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	setupErr error
	runs     chan emulator.RunResult
	started  chan string
	stopOnce sync.Once
	stopped  chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		runs:    make(chan emulator.RunResult),
		started: make(chan string, 16),
		stopped: make(chan struct{}),
	}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	f.started <- call
}

func (f *fakeEngine) Setup(tid int, a arch.Arch) error {
	f.record(fmt.Sprintf("setup %d %v", tid, a))
	return f.setupErr
}

func (f *fakeEngine) Emulate(until uint64, mode emulator.StepMode) (<-chan emulator.RunResult, error) {
	f.record(fmt.Sprintf("emulate %#x %v", until, mode))
	ch := make(chan emulator.RunResult, 1)
	go func() {
		select {
		case res := <-f.runs:
			ch <- res
		case <-f.stopped:
			ch <- emulator.RunResult{Reason: emulator.ReasonExternal}
		}
	}()
	return ch, nil
}

func (f *fakeEngine) Clean() error {
	f.record("clean")
	return nil
}

func (f *fakeEngine) Stop() { f.stopOnce.Do(func() { close(f.stopped) }) }

func (f *fakeEngine) waitStarted(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.started:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never started", want)
	}
}

func recv(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
	return Result{}
}

func submit(t *testing.T, w *Worker, line string) <-chan Result {
	t.Helper()
	_, ch, err := w.SubmitLine(line)
	require.NoError(t, err)
	return ch
}

func TestFIFO(t *testing.T) {
	eng := newFakeEngine()
	w := New(eng, log.NewNop())
	defer w.Close()

	first := submit(t, w, "step:::1")
	eng.waitStarted(t, "emulate 0x0 single")
	assert.True(t, w.Busy())

	second := submit(t, w, "step:::2")
	third := submit(t, w, "start:::0x1010")
	assert.Equal(t, 2, w.Pending())

	eng.runs <- emulator.RunResult{Reason: emulator.ReasonStepped, Next: 0x1004}
	r := recv(t, first)
	assert.Equal(t, "step:::stepped:::0x1004", r.Reply())

	eng.waitStarted(t, "emulate 0x0 call")
	assert.Equal(t, 1, w.Pending())
	eng.runs <- emulator.RunResult{Reason: emulator.ReasonStepped, Next: 0x1100}
	recv(t, second)

	eng.waitStarted(t, "emulate 0x1010 none")
	eng.runs <- emulator.RunResult{Reason: emulator.ReasonReachedEnd, Next: 0x1014}
	r = recv(t, third)
	assert.False(t, r.Failed())
	assert.Equal(t, "start:::reached end:::0x1014", r.Reply())
	assert.Equal(t, 0, w.Pending())
}

func TestErrorDropsQueue(t *testing.T) {
	eng := newFakeEngine()
	w := New(eng, log.NewNop())
	defer w.Close()

	first := submit(t, w, "start:::0x2000")
	eng.waitStarted(t, "emulate 0x2000 none")
	queued := []<-chan Result{submit(t, w, "step"), submit(t, w, "clean")}
	require.Equal(t, 2, w.Pending())

	eng.runs <- emulator.RunResult{Reason: emulator.ReasonError, Err: emulator.ErrDisassemblyFailed}
	r := recv(t, first)
	assert.True(t, r.Failed())
	assert.Equal(t, 0, w.Pending(), "queue must be empty once the error is delivered")
	assert.Contains(t, r.Reply(), "error:::start:::")

	for _, ch := range queued {
		assert.ErrorIs(t, recv(t, ch).Err, ErrDropped)
	}

	// The worker keeps serving new commands.
	next := submit(t, w, "clean")
	eng.waitStarted(t, "clean")
	assert.Equal(t, "clean:::0", recv(t, next).Reply())
}

func TestStopBypassesQueue(t *testing.T) {
	eng := newFakeEngine()
	w := New(eng, log.NewNop())
	defer w.Close()

	run := submit(t, w, "start")
	eng.waitStarted(t, "emulate 0x0 none")
	queued := submit(t, w, "clean")

	stop := submit(t, w, "stop")
	assert.Equal(t, "stop:::0", recv(t, stop).Reply())

	r := recv(t, run)
	require.NotNil(t, r.Run)
	assert.Equal(t, emulator.ReasonExternal, r.Run.Reason)

	eng.waitStarted(t, "clean")
	assert.NoError(t, recv(t, queued).Err)
}

func TestSetupStatus(t *testing.T) {
	eng := newFakeEngine()
	eng.setupErr = fmt.Errorf("%w: no thread", emulator.ErrInvalidContext)
	w := New(eng, log.NewNop())
	defer w.Close()

	r := recv(t, submit(t, w, "setup:::7:::arm:::thumb"))
	assert.Equal(t, emulator.StatusInvalidContext, r.Status)
	assert.Equal(t, "setup:::2", r.Reply())
	assert.False(t, r.Failed(), "setup failures are reported through the status")

	eng.mu.Lock()
	assert.Equal(t, []string{"setup 7 arm-thumb"}, eng.calls)
	eng.mu.Unlock()

	// Malformed commands never reach the engine.
	r = recv(t, submit(t, w, "setup:::seven"))
	assert.Equal(t, "setup:::1", r.Reply())
	r = recv(t, submit(t, w, "start:::nowhere"))
	assert.ErrorIs(t, r.Err, emulator.ErrInvalidEndAddress)
	assert.Len(t, eng.calls, 1)

	_, _, err := w.SubmitLine("jump:::1")
	assert.ErrorIs(t, err, protocol.ErrUnknownVerb)
}

func TestCloseFailsQueued(t *testing.T) {
	eng := newFakeEngine()
	w := New(eng, log.NewNop())

	run := submit(t, w, "start")
	eng.waitStarted(t, "emulate 0x0 none")
	queued := submit(t, w, "step")

	w.Close()
	assert.Equal(t, emulator.ReasonExternal, recv(t, run).Run.Reason)
	assert.True(t, errors.Is(recv(t, queued).Err, ErrClosed))

	assert.ErrorIs(t, recv(t, submit(t, w, "clean")).Err, ErrClosed)
}
