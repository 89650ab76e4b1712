package live

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zboralski/ucstep/internal/arch"
)

// Core is a live context read from an ELF core dump. PT_LOAD segments
// become regions and each NT_PRSTATUS note becomes a thread. The first
// thread in the file is the current one.
type Core struct {
	image
	Path    string
	Machine elf.Machine

	arch    arch.Arch
	current int
	threads map[int]*Thread
	order   []int
}

var _ Process = (*Core)(nil)

// Register layout of elf_gregset_t for each machine, in file order.
var (
	amd64GregNames = []string{
		"r15", "r14", "r13", "r12", "rbp", "rbx", "r11", "r10", "r9", "r8",
		"rax", "rcx", "rdx", "rsi", "rdi", "orig_rax", "rip", "cs", "eflags",
		"rsp", "ss", "fs_base", "gs_base", "ds", "es", "fs", "gs",
	}
	i386GregNames = []string{
		"ebx", "ecx", "edx", "esi", "edi", "ebp", "eax", "ds", "es", "fs",
		"gs", "orig_eax", "eip", "cs", "eflags", "esp", "ss",
	}
	armGregNames     = append(numbered("r", 0, 15), "cpsr", "orig_r0")
	aarch64GregNames = append(numbered("x", 0, 30), "sp", "pc", "pstate")
)

// prstatus offsets of pr_pid and pr_reg.
const (
	prPID64 = 32
	prReg64 = 112
	prPID32 = 24
	prReg32 = 72
)

const cpsrThumb = 1 << 5

func numbered(prefix string, from, to int) []string {
	out := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("%s%d", prefix, i))
	}
	return out
}

// OpenCore loads a core file.
func OpenCore(path string) (*Core, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open core: %w", err)
	}
	defer f.Close()

	if f.Type != elf.ET_CORE {
		return nil, fmt.Errorf("%s: not a core file (%v)", path, f.Type)
	}

	c := &Core{Path: path, Machine: f.Machine, threads: make(map[int]*Thread)}
	names, wordSize, err := c.machine(f)
	if err != nil {
		return nil, err
	}

	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if prog.Memsz == 0 {
				continue
			}
			data := make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(data, 0); err != nil && err != io.EOF {
				return nil, fmt.Errorf("read segment at %#x: %w", prog.Vaddr, err)
			}
			if err := c.add(prog.Vaddr, prog.Memsz, data); err != nil {
				return nil, err
			}
		case elf.PT_NOTE:
			notes, err := io.ReadAll(prog.Open())
			if err != nil {
				return nil, fmt.Errorf("read notes: %w", err)
			}
			if err := c.parseNotes(notes, f.ByteOrder, names, wordSize); err != nil {
				return nil, err
			}
		}
	}

	if len(c.order) == 0 {
		return nil, fmt.Errorf("%s: no NT_PRSTATUS notes", path)
	}
	c.current = c.order[0]
	if t := c.threads[c.current]; c.arch.IsARM() && t.Thumb {
		c.arch = arch.A32Thumb
	}
	return c, nil
}

func (c *Core) machine(f *elf.File) ([]string, int, error) {
	switch f.Machine {
	case elf.EM_X86_64:
		c.arch = arch.X64
		return amd64GregNames, 8, nil
	case elf.EM_386:
		c.arch = arch.X86
		return i386GregNames, 4, nil
	case elf.EM_ARM:
		c.arch = arch.A32
		return armGregNames, 4, nil
	case elf.EM_AARCH64:
		c.arch = arch.A64
		return aarch64GregNames, 8, nil
	}
	return nil, 0, fmt.Errorf("%w: core machine %v", arch.ErrUnsupported, f.Machine)
}

func (c *Core) parseNotes(b []byte, bo binary.ByteOrder, names []string, wordSize int) error {
	align4 := func(n uint32) int { return int((n + 3) &^ 3) }
	for len(b) >= 12 {
		namesz := bo.Uint32(b[0:])
		descsz := bo.Uint32(b[4:])
		typ := bo.Uint32(b[8:])
		b = b[12:]
		if align4(namesz) > len(b) {
			return fmt.Errorf("truncated note name")
		}
		b = b[align4(namesz):]
		if int(descsz) > len(b) {
			return fmt.Errorf("truncated note descriptor")
		}
		desc := b[:descsz]
		if align4(descsz) <= len(b) {
			b = b[align4(descsz):]
		} else {
			b = nil
		}

		if elf.NType(typ) != elf.NT_PRSTATUS {
			continue
		}
		t, err := c.prstatus(desc, bo, names, wordSize)
		if err != nil {
			return err
		}
		if _, dup := c.threads[t.ID]; !dup {
			c.order = append(c.order, t.ID)
		}
		c.threads[t.ID] = t
	}
	return nil
}

func (c *Core) prstatus(desc []byte, bo binary.ByteOrder, names []string, wordSize int) (*Thread, error) {
	pidOff, regOff := prPID64, prReg64
	if wordSize == 4 {
		pidOff, regOff = prPID32, prReg32
	}
	if len(desc) < regOff+len(names)*wordSize {
		return nil, fmt.Errorf("NT_PRSTATUS too short: %d bytes", len(desc))
	}

	regs := make(map[string]uint64, len(names))
	for i, name := range names {
		off := regOff + i*wordSize
		if wordSize == 8 {
			regs[name] = bo.Uint64(desc[off:])
		} else {
			regs[name] = uint64(bo.Uint32(desc[off:]))
		}
	}

	t := &Thread{
		ID:        int(int32(bo.Uint32(desc[pidOff:]))),
		Native:    true,
		Registers: canonicalRegisters(c.arch, regs),
	}
	if c.arch.IsARM() {
		t.Thumb = regs["cpsr"]&cpsrThumb != 0
	}
	return t, nil
}

func (c *Core) Arch() arch.Arch    { return c.arch }
func (c *Core) CurrentThread() int { return c.current }

// Threads lists thread ids in file order.
func (c *Core) Threads() []int {
	return append([]int(nil), c.order...)
}

func (c *Core) Thread(tid int) (*Thread, error) {
	t, ok := c.threads[tid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoThread, tid)
	}
	return t.clone(), nil
}
