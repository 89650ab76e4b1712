package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/zboralski/ucstep/internal/config"
	"github.com/zboralski/ucstep/internal/protocol"
	"github.com/zboralski/ucstep/internal/ui/colorize"
)

const replHelp = `protocol commands are sent to the worker as typed, e.g. step:::2

shortcuts:
  s                 step:::1
  sc                step:::2 (until call)
  sj                step:::3 (until jump)
  c [until]         start[:::until]

local:
  regs              show registers
  mem addr [size]   dump CPU memory
  setreg name val   write a register
  ranges            list paged-in ranges
  set key value     change a setting (instructions_delay, callbacks_path)
  trace file        write the trace recorded so far
  help, quit

Ctrl-C stops the running command.`

var shortcuts = map[string]string{
	"s":  string(protocol.VerbStep) + protocol.Sep + "1",
	"sc": string(protocol.VerbStep) + protocol.Sep + "2",
	"sj": string(protocol.VerbStep) + protocol.Sep + "3",
}

func historyPath() string {
	p, err := config.DefaultPath()
	if err != nil {
		return ""
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, "history")
}

func runRepl(cmd *cobra.Command, args []string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ucstep> ",
		InterruptPrompt: "^C",
		HistoryFile:     historyPath(),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	s, err := newSession(opts, verbose, quiet, rl.Stdout())
	if err != nil {
		return err
	}
	defer s.Close()

	r := &repl{s: s}
	for {
		ln := rl.Line()
		if ln.Error == readline.ErrInterrupt {
			s.eng.Stop()
			continue
		} else if ln.CanContinue() {
			continue
		} else if ln.CanBreak() {
			break
		}
		if r.exec(strings.TrimSpace(ln.Line)) {
			break
		}
	}
	return s.dumpTrace(tracePath)
}

type repl struct {
	s *session
}

func (r *repl) printf(format string, a ...any) {
	r.s.out.Write(fmt.Sprintf(format, a...))
}

// exec runs one input line and reports whether the session should end.
func (r *repl) exec(line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	name, rest := fields[0], fields[1:]

	switch name {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		r.printf("%s", replHelp)
		return false
	case "c":
		line = string(protocol.VerbStart)
		if len(rest) > 0 {
			line += protocol.Sep + rest[0]
		}
	case "trace":
		if len(rest) != 1 {
			r.printf("usage: trace file")
			return false
		}
		if err := r.s.dumpTrace(rest[0]); err != nil {
			r.printf("%s", colorize.Error(err.Error()))
		}
		return false
	case "set":
		r.set(rest)
		return false
	case "regs", "mem", "setreg", "ranges":
		if r.s.eng.IsRunning() {
			r.printf("%s", colorize.Error("busy: stop the running command first"))
			return false
		}
		r.inspect(name, rest)
		return false
	default:
		if full, ok := shortcuts[name]; ok {
			line = full
		}
	}

	_, ch, err := r.s.work.SubmitLine(line)
	if err != nil {
		r.printf("%s", colorize.Error(err.Error()))
		return false
	}
	go func() {
		res := <-ch
		r.printf("%s", res.Reply())
	}()
	return false
}

func (r *repl) set(args []string) {
	if len(args) != 2 {
		r.printf("usage: set key value")
		return
	}
	var v any = args[1]
	if n, err := strconv.Atoi(args[1]); err == nil {
		v = n
	}
	if err := r.s.cfg.Put(args[0], v); err != nil {
		r.printf("%s", colorize.Error(err.Error()))
	}
}

func (r *repl) inspect(name string, args []string) {
	eng := r.s.eng
	if !eng.IsSetup() {
		r.printf("%s", colorize.Error("not set up"))
		return
	}

	switch name {
	case "regs":
		r.printf("%s", colorize.RegisterTable(eng.Arch(), eng.Registers(), nil))

	case "ranges":
		for _, m := range eng.Ranges() {
			r.printf("  %s-%s  %s", colorize.Address(m.Base), colorize.Address(m.End()),
				colorize.Detail(fmt.Sprintf("%#x", m.Size)))
		}

	case "mem":
		if len(args) < 1 {
			r.printf("usage: mem addr [size]")
			return
		}
		addr, err := protocol.ParseAddress(args[0])
		if err != nil {
			r.printf("%s", colorize.Error(err.Error()))
			return
		}
		size := 64
		if len(args) > 1 {
			if size, err = strconv.Atoi(args[1]); err != nil || size <= 0 {
				r.printf("%s", colorize.Error("bad size "+args[1]))
				return
			}
		}
		data, err := eng.ReadMemory(addr, size)
		if err != nil {
			r.printf("%s", colorize.Error(err.Error()))
			return
		}
		for off := 0; off < len(data); off += 16 {
			chunk := data[off:min(off+16, len(data))]
			r.printf("%s  %s", colorize.Address(addr+uint64(off)), colorize.HexBytes(hex.EncodeToString(chunk)))
		}

	case "setreg":
		if len(args) != 2 {
			r.printf("usage: setreg name value")
			return
		}
		v, err := protocol.ParseAddress(args[1])
		if err != nil {
			r.printf("%s", colorize.Error(err.Error()))
			return
		}
		if err := eng.WriteRegister(args[0], v); err != nil {
			r.printf("%s", colorize.Error(err.Error()))
		}
	}
}
