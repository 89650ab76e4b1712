package disasm

import (
	"fmt"
	"math/bits"

	"golang.org/x/arch/arm/armasm"
)

// A32 reads PC as the instruction address plus 8.
const armPCOffset = 8

func decodeARM(addr uint64, code []byte, st State) (*Instruction, error) {
	if len(code) < 4 {
		return nil, ErrShort
	}
	in, err := armasm.Decode(code[:4], armasm.ModeARM)
	if err != nil {
		return nil, err
	}
	mn, ops := splitText(armasm.GNUSyntax(in))
	inst := &Instruction{Address: addr, Size: 4, Mnemonic: mn, OpStr: ops}
	pc := addr + armPCOffset

	switch in.Op &^ 15 {
	case armasm.B_EQ:
		inst.IsJump = true
		armRel(inst, in.Args[0], pc, false)

	case armasm.BL_EQ:
		inst.IsCall = true
		armRel(inst, in.Args[0], pc, false)

	case armasm.BLX_EQ:
		inst.IsCall = true
		switch a := in.Args[0].(type) {
		case armasm.PCRel:
			// BLX <label> always enters Thumb.
			armRel(inst, a, pc, true)
			inst.SwitchMode = true
		case armasm.Reg:
			armRegTarget(inst, st, a, pc, false)
		}

	case armasm.BX_EQ:
		r, _ := in.Args[0].(armasm.Reg)
		if r == armasm.LR {
			inst.IsReturn = true
		} else {
			inst.IsJump = true
		}
		armRegTarget(inst, st, r, pc, false)

	case armasm.POP_EQ:
		if list, ok := in.Args[0].(armasm.RegList); ok && list&(1<<15) != 0 {
			inst.IsReturn = true
			popTarget(inst, st, uint16(list), false)
		}

	case armasm.LDM_EQ:
		m, _ := in.Args[0].(armasm.Mem)
		if list, ok := in.Args[1].(armasm.RegList); ok && list&(1<<15) != 0 {
			if m.Base == armasm.SP {
				inst.IsReturn = true
			} else {
				inst.IsJump = true
			}
			if base, ok := armRegValue(st, m.Base, pc); ok {
				slot := base + 4*uint64(bits.OnesCount16(uint16(list)&0x7fff))
				if v, ok := readPtr(st, slot, 4); ok {
					inst.Target, inst.HasTarget = v, true
					inst.SwitchMode = v&1 == 1
				}
			}
		}

	case armasm.MOV_EQ, armasm.MOV_S_EQ:
		if rd, ok := in.Args[0].(armasm.Reg); ok && rd == armasm.PC {
			if rm, ok := in.Args[1].(armasm.Reg); ok {
				if rm == armasm.LR {
					inst.IsReturn = true
				} else {
					inst.IsJump = true
				}
				armRegTarget(inst, st, rm, pc, true)
			}
		}

	case armasm.LDR_EQ:
		if rt, ok := in.Args[0].(armasm.Reg); ok && rt == armasm.PC {
			inst.IsJump = true
			if m, ok := in.Args[1].(armasm.Mem); ok {
				if ea, ok := armMemAddr(st, m, pc); ok {
					if v, ok := readPtr(st, ea, 4); ok {
						inst.Target, inst.HasTarget = v, true
						inst.SwitchMode = v&1 == 1
					}
				}
			}
		}
	}

	if cond := uint8(in.Op & 15); cond < condAL && inst.IsBranch() {
		inst.Conditional = true
		inst.Taken = flagsHold(st, "cpsr", cond)
	}
	return inst, nil
}

func armRel(inst *Instruction, arg armasm.Arg, pc uint64, thumb bool) {
	rel, ok := arg.(armasm.PCRel)
	if !ok {
		return
	}
	target := uint32(pc) + uint32(int32(rel))
	inst.Target = uint64(target)
	if thumb {
		inst.Target |= 1
	}
	inst.HasTarget = true
	inst.OpStr = replaceLastOperand(inst.OpStr, fmt.Sprintf("#%#x", inst.Target&^1))
}

// armRegTarget resolves a register branch target. Interworking branches
// (BX, BLX) switch to Thumb when bit 0 of the target is set; plain writes to
// PC never switch.
func armRegTarget(inst *Instruction, st State, r armasm.Reg, pc uint64, plain bool) {
	v, ok := armRegValue(st, r, pc)
	if !ok {
		return
	}
	inst.Target, inst.HasTarget = v, true
	if !plain {
		inst.SwitchMode = v&1 == 1
	}
}

func armRegValue(st State, r armasm.Reg, pc uint64) (uint64, bool) {
	switch {
	case r == armasm.PC:
		return pc, true
	case r == armasm.SP:
		return reg(st, "sp")
	case r == armasm.LR:
		return reg(st, "lr")
	case r <= armasm.R12:
		return reg(st, fmt.Sprintf("r%d", int(r)))
	}
	return 0, false
}

func armMemAddr(st State, m armasm.Mem, pc uint64) (uint64, bool) {
	base, ok := armRegValue(st, m.Base, pc)
	if !ok {
		return 0, false
	}
	if m.Mode == armasm.AddrPostIndex {
		return base, true
	}
	if m.Sign == 0 {
		return uint64(uint32(int64(base) + int64(m.Offset))), true
	}
	idx, ok := armRegValue(st, m.Index, pc)
	if !ok || m.Shift != armasm.ShiftLeft {
		return 0, false
	}
	idx <<= m.Count
	if m.Sign < 0 {
		return uint64(uint32(base - idx)), true
	}
	return uint64(uint32(base + idx)), true
}

// popTarget reads the PC slot of a POP/LDMIA from the stack.
func popTarget(inst *Instruction, st State, list uint16, thumbCaller bool) {
	sp, ok := reg(st, "sp")
	if !ok {
		return
	}
	slot := sp + 4*uint64(bits.OnesCount16(list&0x7fff))
	v, ok := readPtr(st, slot, 4)
	if !ok {
		return
	}
	inst.Target, inst.HasTarget = v, true
	inst.SwitchMode = (v&1 == 1) != thumbCaller
}
