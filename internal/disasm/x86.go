package disasm

import (
	"golang.org/x/arch/x86/x86asm"
)

var (
	gpr64 = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
	gpr32 = [8]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}
)

func decodeX86(addr uint64, code []byte, mode int, st State) (*Instruction, error) {
	in, err := x86asm.Decode(code, mode)
	if err != nil {
		return nil, err
	}
	mn, ops := splitText(x86asm.IntelSyntax(in, addr, nil))
	inst := &Instruction{Address: addr, Size: in.Len, Mnemonic: mn, OpStr: ops}
	next := addr + uint64(in.Len)
	ptr := mode / 8

	switch in.Op {
	case x86asm.CALL:
		inst.IsCall = true
		x86Target(inst, st, in, next, mode)

	case x86asm.JMP:
		inst.IsJump = true
		x86Target(inst, st, in, next, mode)

	case x86asm.LCALL:
		inst.IsCall = true

	case x86asm.LJMP:
		inst.IsJump = true

	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		inst.IsReturn = true
		if sp, ok := reg(st, x86Name(4, mode)); ok {
			inst.Target, inst.HasTarget = readPtr(st, sp, ptr)
		}

	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		inst.IsJump = true
		inst.Conditional = true
		inst.Taken = true
		if cx, ok := reg(st, x86Name(1, mode)); ok {
			switch in.Op {
			case x86asm.JCXZ:
				cx &= 0xffff
			case x86asm.JECXZ:
				cx &= 0xffffffff
			}
			inst.Taken = cx == 0
		}
		x86Target(inst, st, in, next, mode)

	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		inst.IsJump = true
		inst.Conditional = true
		inst.Taken = true
		if cx, ok := reg(st, x86Name(1, mode)); ok {
			if mode == 32 {
				cx &= 0xffffffff
			}
			taken := cx != 1
			if fl, ok := reg(st, "eflags"); ok {
				switch in.Op {
				case x86asm.LOOPE:
					taken = taken && fl&flagZF != 0
				case x86asm.LOOPNE:
					taken = taken && fl&flagZF == 0
				}
			}
			inst.Taken = taken
		}
		x86Target(inst, st, in, next, mode)

	default:
		if cc, ok := x86Conds[in.Op]; ok {
			inst.IsJump = true
			inst.Conditional = true
			inst.Taken = true
			if fl, ok := reg(st, "eflags"); ok {
				inst.Taken = cc(fl)
			}
			x86Target(inst, st, in, next, mode)
		}
	}
	return inst, nil
}

var x86Conds = map[x86asm.Op]func(fl uint64) bool{
	x86asm.JO:  func(fl uint64) bool { return fl&flagOF != 0 },
	x86asm.JNO: func(fl uint64) bool { return fl&flagOF == 0 },
	x86asm.JB:  func(fl uint64) bool { return fl&flagCF != 0 },
	x86asm.JAE: func(fl uint64) bool { return fl&flagCF == 0 },
	x86asm.JE:  func(fl uint64) bool { return fl&flagZF != 0 },
	x86asm.JNE: func(fl uint64) bool { return fl&flagZF == 0 },
	x86asm.JBE: func(fl uint64) bool { return fl&(flagCF|flagZF) != 0 },
	x86asm.JA:  func(fl uint64) bool { return fl&(flagCF|flagZF) == 0 },
	x86asm.JS:  func(fl uint64) bool { return fl&flagSF != 0 },
	x86asm.JNS: func(fl uint64) bool { return fl&flagSF == 0 },
	x86asm.JP:  func(fl uint64) bool { return fl&flagPF != 0 },
	x86asm.JNP: func(fl uint64) bool { return fl&flagPF == 0 },
	x86asm.JL:  func(fl uint64) bool { return (fl&flagSF != 0) != (fl&flagOF != 0) },
	x86asm.JGE: func(fl uint64) bool { return (fl&flagSF != 0) == (fl&flagOF != 0) },
	x86asm.JLE: func(fl uint64) bool {
		return fl&flagZF != 0 || (fl&flagSF != 0) != (fl&flagOF != 0)
	},
	x86asm.JG: func(fl uint64) bool {
		return fl&flagZF == 0 && (fl&flagSF != 0) == (fl&flagOF != 0)
	},
}

// x86Target resolves the first operand of a near branch: relative,
// register or memory indirect.
func x86Target(inst *Instruction, st State, in x86asm.Inst, next uint64, mode int) {
	mask := uint64(1)<<mode - 1
	if mode == 64 {
		mask = ^uint64(0)
	}
	switch a := in.Args[0].(type) {
	case x86asm.Rel:
		inst.Target, inst.HasTarget = (next+uint64(int64(a)))&mask, true
	case x86asm.Reg:
		if v, ok := x86RegValue(st, a, mode, next); ok {
			inst.Target, inst.HasTarget = v&mask, true
		}
	case x86asm.Mem:
		if ea, ok := x86MemAddr(st, a, mode, next); ok {
			if v, ok := readPtr(st, ea&mask, mode/8); ok {
				inst.Target, inst.HasTarget = v, true
			}
		}
	}
}

func x86Name(idx, mode int) string {
	if mode == 64 {
		return gpr64[idx]
	}
	return gpr32[idx]
}

// x86RegValue reads any general purpose register view (8, 16, 32 or 64
// bit) from the canonical full-width register.
func x86RegValue(st State, r x86asm.Reg, mode int, next uint64) (uint64, bool) {
	read := func(idx int) (uint64, bool) {
		if mode != 64 && idx >= 8 {
			return 0, false
		}
		return reg(st, x86Name(idx, mode))
	}
	switch {
	case r == x86asm.RIP || r == x86asm.EIP || r == x86asm.IP:
		return next, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return read(int(r - x86asm.RAX))
	case r >= x86asm.EAX && r <= x86asm.R15L:
		v, ok := read(int(r - x86asm.EAX))
		return v & 0xffffffff, ok
	case r >= x86asm.AX && r <= x86asm.R15W:
		v, ok := read(int(r - x86asm.AX))
		return v & 0xffff, ok
	case r >= x86asm.AL && r <= x86asm.BL:
		v, ok := read(int(r - x86asm.AL))
		return v & 0xff, ok
	case r >= x86asm.AH && r <= x86asm.BH:
		v, ok := read(int(r - x86asm.AH))
		return v >> 8 & 0xff, ok
	case r >= x86asm.SPB && r <= x86asm.R15B:
		v, ok := read(int(r-x86asm.SPB) + 4)
		return v & 0xff, ok
	}
	return 0, false
}

func x86MemAddr(st State, m x86asm.Mem, mode int, next uint64) (uint64, bool) {
	if m.Segment != 0 {
		// fs:/gs: relative addressing needs segment bases we do not track.
		return 0, false
	}
	ea := uint64(m.Disp)
	if m.Base != 0 {
		v, ok := x86RegValue(st, m.Base, mode, next)
		if !ok {
			return 0, false
		}
		ea += v
	}
	if m.Index != 0 {
		v, ok := x86RegValue(st, m.Index, mode, next)
		if !ok {
			return 0, false
		}
		ea += v * uint64(m.Scale)
	}
	return ea, true
}
