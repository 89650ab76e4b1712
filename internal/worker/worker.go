// Package worker serializes commands onto an engine. Commands submitted
// while the engine is busy wait in a FIFO queue; when a command fails the
// queue is dropped so stale commands never run against a faulted CPU.
package worker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/emulator"
	"github.com/zboralski/ucstep/internal/log"
	"github.com/zboralski/ucstep/internal/protocol"
)

var (
	// ErrDropped is delivered to queued commands discarded after a failure.
	ErrDropped = errors.New("dropped after a failed command")
	ErrClosed  = errors.New("worker closed")
)

// Engine is the part of emulator.Engine the worker drives.
type Engine interface {
	Setup(tid int, a arch.Arch) error
	Emulate(until uint64, mode emulator.StepMode) (<-chan emulator.RunResult, error)
	Clean() error
	Stop()
}

var _ Engine = (*emulator.Engine)(nil)

// Result is the outcome of one command.
type Result struct {
	ID      uuid.UUID
	Command protocol.Command
	// Status is the setup status code, set for setup commands.
	Status int
	// Run is set for start and step commands that ran.
	Run *emulator.RunResult
	Err error
}

// Failed reports whether the command failed. A setup command reports its
// failure through Status and does not count.
func (r Result) Failed() bool {
	if r.Command.Verb == protocol.VerbSetup {
		return false
	}
	return r.Err != nil || (r.Run != nil && r.Run.Err != nil)
}

// Reply renders the result in the command protocol.
func (r Result) Reply() string {
	v := r.Command.Verb
	switch {
	case v == protocol.VerbSetup:
		return protocol.FormatStatus(v, r.Status)
	case r.Err != nil:
		return protocol.FormatError(v, r.Err)
	case r.Run != nil:
		return protocol.FormatRun(v, *r.Run)
	}
	return protocol.FormatStatus(v, 0)
}

type job struct {
	id     uuid.UUID
	cmd    protocol.Command
	req    any
	result chan Result
}

// Worker owns the single goroutine that executes commands.
type Worker struct {
	eng Engine
	log *log.Logger

	mu    sync.Mutex
	queue []*job
	busy  bool

	wake      chan struct{}
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// New starts a worker for eng.
func New(eng Engine, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Get()
	}
	w := &Worker{
		eng:    eng,
		log:    logger.WithComponent("worker"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go w.loop()
	return w
}

// SubmitLine parses line and submits it.
func (w *Worker) SubmitLine(line string) (uuid.UUID, <-chan Result, error) {
	cmd, err := protocol.Parse(line)
	if err != nil {
		return uuid.Nil, nil, err
	}
	id, ch := w.Submit(cmd)
	return id, ch, nil
}

// Submit queues cmd and returns immediately. The result is delivered once
// on the returned channel. stop is not queued: it is forwarded to the
// engine at once. Commands with malformed arguments complete immediately.
func (w *Worker) Submit(cmd protocol.Command) (uuid.UUID, <-chan Result) {
	j := &job{id: uuid.New(), cmd: cmd, result: make(chan Result, 1)}

	req, err := cmd.Request()
	if err != nil {
		res := Result{ID: j.id, Command: cmd, Err: err}
		if cmd.Verb == protocol.VerbSetup {
			res.Status = emulator.SetupStatus(err)
		}
		j.result <- res
		return j.id, j.result
	}
	if _, ok := req.(protocol.StopRequest); ok {
		w.eng.Stop()
		j.result <- Result{ID: j.id, Command: cmd}
		return j.id, j.result
	}
	j.req = req

	select {
	case <-w.done:
		j.result <- Result{ID: j.id, Command: cmd, Err: ErrClosed}
		return j.id, j.result
	default:
	}

	w.mu.Lock()
	w.queue = append(w.queue, j)
	n := len(w.queue)
	w.mu.Unlock()
	w.log.Debug("queued", zap.Stringer("id", j.id), zap.Stringer("cmd", cmd), zap.Int("pending", n))

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return j.id, j.result
}

// Pending returns the number of queued commands not yet started.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Busy reports whether a command is executing.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

// Close stops the running command, fails queued ones with ErrClosed and
// waits for the worker goroutine to exit.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.eng.Stop()
		<-w.exited
		w.mu.Lock()
		queued := w.queue
		w.queue = nil
		w.mu.Unlock()
		for _, j := range queued {
			j.result <- Result{ID: j.id, Command: j.cmd, Err: ErrClosed}
		}
	})
}

func (w *Worker) loop() {
	defer close(w.exited)
	for {
		j := w.next()
		if j == nil {
			select {
			case <-w.wake:
				continue
			case <-w.done:
				return
			}
		}

		res := w.execute(j)

		var dropped []*job
		w.mu.Lock()
		w.busy = false
		if res.Failed() {
			dropped = w.queue
			w.queue = nil
		}
		w.mu.Unlock()

		j.result <- res
		if len(dropped) > 0 {
			w.log.Console(fmt.Sprintf("dropped %d queued commands", len(dropped)))
		}
		for _, d := range dropped {
			d.result <- Result{ID: d.id, Command: d.cmd, Err: ErrDropped}
		}

		select {
		case <-w.done:
			return
		default:
		}
	}
}

func (w *Worker) next() *job {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	j := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	w.busy = true
	return j
}

func (w *Worker) execute(j *job) Result {
	res := Result{ID: j.id, Command: j.cmd}
	switch req := j.req.(type) {
	case protocol.SetupRequest:
		res.Err = w.eng.Setup(req.TID, req.Arch)
		res.Status = emulator.SetupStatus(res.Err)
	case protocol.StartRequest:
		res.Run, res.Err = w.emulate(req.Until, emulator.StepNone)
	case protocol.StepRequest:
		res.Run, res.Err = w.emulate(0, req.Mode)
	case protocol.CleanRequest:
		res.Err = w.eng.Clean()
	default:
		res.Err = fmt.Errorf("%w: %q", protocol.ErrUnknownVerb, j.cmd.Verb)
	}
	if res.Err != nil {
		w.log.Debug("command failed", zap.Stringer("id", j.id), zap.Stringer("cmd", j.cmd), zap.Error(res.Err))
	}
	return res
}

func (w *Worker) emulate(until uint64, mode emulator.StepMode) (*emulator.RunResult, error) {
	ch, err := w.eng.Emulate(until, mode)
	if err != nil {
		return nil, err
	}
	res, ok := <-ch
	if !ok {
		return nil, emulator.ErrClosed
	}
	return &res, nil
}
