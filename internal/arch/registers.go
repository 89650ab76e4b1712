package arch

import (
	"fmt"
	"strings"
)

// Spec is the per-architecture register table.
type Spec struct {
	Name      string
	PtrSize   int
	PC        string
	SP        string
	Flags     string
	Registers []string

	aliases map[string]string
	index   map[string]int
}

func newSpec(name string, ptrSize int, pc, sp, flags string, regs []string, aliases map[string]string) *Spec {
	s := &Spec{
		Name:      name,
		PtrSize:   ptrSize,
		PC:        pc,
		SP:        sp,
		Flags:     flags,
		Registers: regs,
		aliases:   aliases,
		index:     make(map[string]int, len(regs)),
	}
	for i, r := range regs {
		if _, dup := s.index[r]; dup {
			panic(fmt.Sprintf("arch %s: duplicate register %s", name, r))
		}
		s.index[r] = i
	}
	return s
}

// Canonical resolves a register name or alias to its canonical name.
func (s *Spec) Canonical(name string) (string, bool) {
	n := strings.ToLower(name)
	if _, ok := s.index[n]; ok {
		return n, true
	}
	if c, ok := s.aliases[n]; ok {
		return c, true
	}
	return "", false
}

// Has reports whether name is a canonical register of this architecture.
func (s *Spec) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Mask truncates v to the pointer width.
func (s *Spec) Mask(v uint64) uint64 {
	if s.PtrSize == 4 {
		return v & 0xffffffff
	}
	return v
}

func numbered(prefix string, from, to int) []string {
	out := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("%s%d", prefix, i))
	}
	return out
}

var armSpec = newSpec("arm", 4, "pc", "sp", "cpsr",
	append(numbered("r", 0, 12), "sp", "lr", "pc", "cpsr"),
	map[string]string{
		"r13": "sp", "r14": "lr", "r15": "pc",
		"sb": "r9", "sl": "r10", "fp": "r11", "ip": "r12",
	})

var arm64Spec = newSpec("arm64", 8, "pc", "sp", "nzcv",
	append(numbered("x", 0, 28), "fp", "lr", "sp", "pc", "nzcv"),
	map[string]string{
		"x29": "fp", "x30": "lr", "pstate": "nzcv",
	})

var x86Spec = newSpec("x86", 4, "eip", "esp", "eflags",
	[]string{
		"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp", "eip", "eflags",
		"cs", "ds", "es", "fs", "gs", "ss",
	},
	map[string]string{"pc": "eip", "sp": "esp"})

var x64Spec = newSpec("x64", 8, "rip", "rsp", "eflags",
	append([]string{
		"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	}, append(numbered("r", 8, 15),
		"rip", "eflags", "cs", "ds", "es", "fs", "gs", "ss", "fs_base", "gs_base")...),
	map[string]string{"pc": "rip", "sp": "rsp", "rflags": "eflags"})
