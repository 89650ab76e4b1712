package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/disasm"
	"github.com/zboralski/ucstep/internal/emulator"
	"github.com/zboralski/ucstep/internal/ui/colorize"
	"github.com/zboralski/ucstep/internal/vcpu"
)

// outputWriter batches console lines so hooks never block on the terminal.
type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter(w io.Writer) *outputWriter {
	ow := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(w, 64*1024),
	}
	go ow.run()
	return ow
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

// Write queues a line. Lines are dropped when the terminal cannot keep up.
func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

// console prints engine notifications.
type console struct {
	emulator.NopObserver
	out   *outputWriter
	quiet bool

	mu   sync.Mutex
	arch arch.Arch
	prev map[string]uint64
}

func newConsole(out *outputWriter, quiet bool) *console {
	return &console{out: out, quiet: quiet}
}

func (c *console) OnSetup(a arch.Arch) {
	c.mu.Lock()
	c.arch, c.prev = a, nil
	c.mu.Unlock()
	c.out.Write(fmt.Sprintf("%s %s", colorize.Header("▶"), colorize.Detail("cpu ready: "+a.String())))
}

func (c *console) OnHook(inst *disasm.Instruction) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	a := c.arch
	c.mu.Unlock()
	c.out.Write(colorize.InstructionLine(a, inst))
}

func (c *console) OnMemoryAccess(m emulator.MemoryAccess) {
	if c.quiet {
		return
	}
	verb := "<-"
	if m.Access == vcpu.AccessWrite {
		verb = "->"
	}
	c.out.Write(colorize.Detail(fmt.Sprintf("          %s %s %d @ %#x = %#x",
		m.Access, verb, m.Size, m.Address, uint64(m.Value))))
}

func (c *console) OnLog(msg string) {
	c.out.Write(colorize.Detail("; " + msg))
}

func (c *console) OnStop(res emulator.RunResult) {
	c.mu.Lock()
	a, prev := c.arch, c.prev
	c.prev = res.Registers
	c.mu.Unlock()

	if table := colorize.RegisterTable(a, res.Registers, prev); table != "" && !c.quiet {
		c.out.Write(table)
	}

	var b strings.Builder
	b.WriteString(colorize.Border("───────────────────── "))
	fmt.Fprintf(&b, "%d insn  %s", res.Retired, res.Reason)
	if res.Err != nil {
		fmt.Fprintf(&b, "  %s", colorize.Error(res.Err.Error()))
	} else {
		fmt.Fprintf(&b, "  next %s", colorize.Address(res.Next))
	}
	c.out.Write(b.String())
}
