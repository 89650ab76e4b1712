package disasm

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

func decodeA64(addr uint64, code []byte, st State) (*Instruction, error) {
	if len(code) < 4 {
		return nil, ErrShort
	}
	in, err := arm64asm.Decode(code[:4])
	if err != nil {
		return nil, err
	}
	mn, ops := splitText(arm64asm.GNUSyntax(in))
	inst := &Instruction{Address: addr, Size: 4, Mnemonic: mn, OpStr: ops}

	switch in.Op {
	case arm64asm.B:
		inst.IsJump = true
		if c, ok := in.Args[0].(arm64asm.Cond); ok {
			cond := c.Value
			if c.Invert {
				cond ^= 1
			}
			if cond < condAL {
				inst.Conditional = true
				inst.Taken = flagsHold(st, "nzcv", cond)
			}
			a64Rel(inst, in.Args[1])
		} else {
			a64Rel(inst, in.Args[0])
		}

	case arm64asm.BL:
		inst.IsCall = true
		a64Rel(inst, in.Args[0])

	case arm64asm.BLR:
		inst.IsCall = true
		inst.Target, inst.HasTarget = a64RegValue(st, in.Args[0])

	case arm64asm.BR:
		inst.IsJump = true
		inst.Target, inst.HasTarget = a64RegValue(st, in.Args[0])

	case arm64asm.RET:
		inst.IsReturn = true
		inst.Target, inst.HasTarget = a64RegValue(st, in.Args[0])

	case arm64asm.CBZ, arm64asm.CBNZ:
		inst.IsJump = true
		inst.Conditional = true
		inst.Taken = true
		if v, ok := a64RegValue(st, in.Args[0]); ok {
			inst.Taken = (v == 0) == (in.Op == arm64asm.CBZ)
		}
		a64Rel(inst, in.Args[1])

	case arm64asm.TBZ, arm64asm.TBNZ:
		inst.IsJump = true
		inst.Conditional = true
		inst.Taken = true
		if v, ok := a64RegValue(st, in.Args[0]); ok {
			if bit, ok := in.Args[1].(arm64asm.Imm); ok {
				set := v>>bit.Imm&1 == 1
				inst.Taken = set == (in.Op == arm64asm.TBNZ)
			}
		}
		a64Rel(inst, in.Args[2])
	}
	return inst, nil
}

func a64Rel(inst *Instruction, arg arm64asm.Arg) {
	rel, ok := arg.(arm64asm.PCRel)
	if !ok {
		return
	}
	inst.Target = inst.Address + uint64(rel)
	inst.HasTarget = true
	inst.OpStr = replaceLastOperand(inst.OpStr, fmt.Sprintf("#%#x", inst.Target))
}

// a64RegValue reads a general purpose register operand. W registers are
// truncated to 32 bits and XZR/WZR read as zero.
func a64RegValue(st State, arg arm64asm.Arg) (uint64, bool) {
	var (
		r      arm64asm.Reg
		spForm bool
	)
	switch v := arg.(type) {
	case arm64asm.Reg:
		r = v
	case arm64asm.RegSP:
		r = arm64asm.Reg(v)
		spForm = true
	default:
		return 0, false
	}

	switch {
	case r == arm64asm.XZR || r == arm64asm.WZR:
		if spForm {
			return reg(st, "sp")
		}
		return 0, st != nil
	case r >= arm64asm.X0 && r <= arm64asm.X30:
		return reg(st, a64Name(int(r-arm64asm.X0)))
	case r >= arm64asm.W0 && r <= arm64asm.W30:
		v, ok := reg(st, a64Name(int(r-arm64asm.W0)))
		return v & 0xffffffff, ok
	}
	return 0, false
}

func a64Name(n int) string {
	switch n {
	case 29:
		return "fp"
	case 30:
		return "lr"
	}
	return fmt.Sprintf("x%d", n)
}

// flagsHold evaluates an ARM condition against the named flags register.
// Unknown flags count as taken.
func flagsHold(st State, flagsReg string, cond uint8) bool {
	flags, ok := reg(st, flagsReg)
	if !ok {
		return true
	}
	return armCondHolds(cond, flags)
}
