package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/zboralski/ucstep/internal/config"
	"github.com/zboralski/ucstep/internal/emulator"
	"github.com/zboralski/ucstep/internal/live"
	"github.com/zboralski/ucstep/internal/log"
	"github.com/zboralski/ucstep/internal/trace"
	"github.com/zboralski/ucstep/internal/vcpu/unicorn"
	"github.com/zboralski/ucstep/internal/worker"
)

type sessionOptions struct {
	snapshot   string
	core       string
	pid        int
	configPath string
	callbacks  string
	delay      int
	skipRegs   []string
}

// openProcess opens the captured process named by exactly one of
// --snapshot, --core and --pid.
func openProcess(o sessionOptions) (live.Process, func(), error) {
	n := 0
	for _, set := range []bool{o.snapshot != "", o.core != "", o.pid != 0} {
		if set {
			n++
		}
	}
	if n != 1 {
		return nil, nil, errors.New("exactly one of --snapshot, --core or --pid is required")
	}

	nop := func() {}
	switch {
	case o.snapshot != "":
		s, err := live.LoadSnapshot(o.snapshot)
		return s, nop, err
	case o.core != "":
		c, err := live.OpenCore(o.core)
		return c, nop, err
	}
	p, err := live.Attach(o.pid)
	if err != nil {
		return nil, nil, err
	}
	return p, func() {
		if err := p.Close(); err != nil {
			log.Get().Warn("detach", zap.Int("pid", o.pid), zap.Error(err))
		}
	}, nil
}

// openConfig opens the configuration file, falling back to an in-memory
// store when no file can be used.
func openConfig(path string) config.Store {
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			log.Get().Warn("no config dir, using defaults", zap.Error(err))
			return config.NewMemory(nil)
		}
		path = p
	}
	f, err := config.Open(path)
	if err != nil {
		log.Get().Warn("config unreadable, using defaults", zap.String("path", path), zap.Error(err))
		return config.NewMemory(nil)
	}
	return f
}

type session struct {
	proc      live.Process
	closeProc func()
	cfg       config.Store
	eng       *emulator.Engine
	work      *worker.Worker
	rec       *trace.Recorder
	out       *outputWriter
}

func newSession(o sessionOptions, verbose, quiet bool, w io.Writer) (*session, error) {
	log.Init(verbose)
	logger := log.Get()

	proc, closeProc, err := openProcess(o)
	if err != nil {
		return nil, err
	}

	cfg := openConfig(o.configPath)
	eng, err := emulator.New(emulator.Options{
		Process:   proc,
		NewCPU:    unicorn.New,
		Config:    cfg,
		Logger:    logger,
		Blocklist: o.skipRegs,
	})
	if err != nil {
		closeProc()
		return nil, err
	}

	// The engine clears the callback path on construction; flags apply after.
	if o.callbacks != "" {
		if err := cfg.Put(config.KeyCallbacksPath, o.callbacks); err != nil {
			logger.Warn("set callbacks", zap.Error(err))
		}
	}
	if o.delay >= 0 {
		if err := cfg.Put(config.KeyInstructionsDelay, o.delay); err != nil {
			logger.Warn("set delay", zap.Error(err))
		}
	}

	s := &session{
		proc:      proc,
		closeProc: closeProc,
		cfg:       cfg,
		eng:       eng,
		rec:       trace.NewRecorder(0),
		out:       newOutputWriter(w),
	}
	eng.AddObserver(newConsole(s.out, quiet))
	eng.AddObserver(s.rec)
	s.work = worker.New(eng, logger)
	return s, nil
}

// run submits line and waits for its reply.
func (s *session) run(line string) (string, error) {
	_, ch, err := s.work.SubmitLine(line)
	if err != nil {
		return "", err
	}
	r := <-ch
	if errors.Is(r.Err, worker.ErrDropped) || errors.Is(r.Err, worker.ErrClosed) {
		return "", fmt.Errorf("%s: %w", line, r.Err)
	}
	return r.Reply(), nil
}

func (s *session) dumpTrace(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	if err := s.rec.Dump(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *session) Close() {
	s.work.Close()
	if err := s.eng.Close(); err != nil {
		log.Get().Warn("close engine", zap.Error(err))
	}
	s.closeProc()
	s.out.Close()
}
