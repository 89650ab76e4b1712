package disasm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Thumb reads PC as the instruction address plus 4.
const thumbPCOffset = 4

var loRegs = [8]string{"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7"}

func thumbRegName(n uint16) string {
	switch n {
	case 13:
		return "sp"
	case 14:
		return "lr"
	case 15:
		return "pc"
	}
	return fmt.Sprintf("r%d", n)
}

// thumbIs32 reports whether hw1 is the first halfword of a 32-bit encoding.
func thumbIs32(hw1 uint16) bool {
	switch hw1 >> 11 {
	case 0x1d, 0x1e, 0x1f:
		return true
	}
	return false
}

// decodeThumb decodes Thumb and Thumb-2. Branches are fully classified;
// other encodings get a best-effort mnemonic.
func decodeThumb(addr uint64, code []byte, st State) (*Instruction, error) {
	if len(code) < 2 {
		return nil, ErrShort
	}
	hw1 := binary.LittleEndian.Uint16(code)
	if thumbIs32(hw1) {
		if len(code) < 4 {
			return nil, ErrShort
		}
		hw2 := binary.LittleEndian.Uint16(code[2:])
		inst := &Instruction{Address: addr, Size: 4, Thumb: true}
		decodeThumb32(inst, hw1, hw2, st)
		return inst, nil
	}
	inst := &Instruction{Address: addr, Size: 2, Thumb: true}
	decodeThumb16(inst, hw1, st)
	return inst, nil
}

func thumbRegValue(st State, n uint16, pc uint64) (uint64, bool) {
	if n == 15 {
		return pc, true
	}
	return reg(st, thumbRegName(n))
}

func thumbSetTarget(inst *Instruction, target uint64) {
	inst.Target = target & 0xffffffff
	inst.HasTarget = true
}

func regList(list uint16) string {
	var names []string
	for i := uint16(0); i < 16; i++ {
		if list&(1<<i) != 0 {
			names = append(names, thumbRegName(i))
		}
	}
	return "{" + strings.Join(names, ", ") + "}"
}

func decodeThumb16(inst *Instruction, hw uint16, st State) {
	pc := inst.Address + thumbPCOffset

	switch {
	// B<c> <label>
	case hw&0xf000 == 0xd000 && (hw>>8)&0xf < condAL:
		cond := uint8(hw >> 8 & 0xf)
		imm := signExtend(uint32(hw&0xff)<<1, 9)
		inst.IsJump = true
		inst.Conditional = true
		inst.Taken = flagsHold(st, "cpsr", cond)
		thumbSetTarget(inst, uint64(int64(pc)+imm))
		inst.Mnemonic = "b" + condNames[cond]
		inst.OpStr = fmt.Sprintf("#%#x", inst.Target)

	case hw&0xff00 == 0xdf00:
		inst.Mnemonic, inst.OpStr = "svc", fmt.Sprintf("#%#x", hw&0xff)

	case hw&0xff00 == 0xde00:
		inst.Mnemonic, inst.OpStr = "udf", fmt.Sprintf("#%#x", hw&0xff)

	// B <label>
	case hw&0xf800 == 0xe000:
		imm := signExtend(uint32(hw&0x7ff)<<1, 12)
		inst.IsJump = true
		thumbSetTarget(inst, uint64(int64(pc)+imm))
		inst.Mnemonic, inst.OpStr = "b", fmt.Sprintf("#%#x", inst.Target)

	// CBZ/CBNZ <Rn>, <label>
	case hw&0xf500 == 0xb100:
		rn := hw & 7
		imm := uint64(hw>>9&1)<<6 | uint64(hw>>3&0x1f)<<1
		nonzero := hw&0x0800 != 0
		inst.IsJump = true
		inst.Conditional = true
		inst.Taken = true
		if v, ok := reg(st, loRegs[rn]); ok {
			inst.Taken = (uint32(v) != 0) == nonzero
		}
		thumbSetTarget(inst, pc+imm)
		inst.Mnemonic = "cbz"
		if nonzero {
			inst.Mnemonic = "cbnz"
		}
		inst.OpStr = fmt.Sprintf("%s, #%#x", loRegs[rn], inst.Target)

	// BX/BLX <Rm>
	case hw&0xff07 == 0x4700:
		rm := hw >> 3 & 0xf
		link := hw&0x80 != 0
		switch {
		case link:
			inst.IsCall = true
			inst.Mnemonic = "blx"
		case rm == 14:
			inst.IsReturn = true
			inst.Mnemonic = "bx"
		default:
			inst.IsJump = true
			inst.Mnemonic = "bx"
		}
		inst.OpStr = thumbRegName(rm)
		if v, ok := thumbRegValue(st, rm, pc); ok {
			thumbSetTarget(inst, v)
			inst.SwitchMode = v&1 == 0
		}

	// MOV/ADD PC, <Rm>
	case hw&0xfc00 == 0x4400 && hw>>8&1 == 0 && (hw>>4&8|hw&7) == 15:
		rm := hw >> 3 & 0xf
		if hw&0x0300 == 0x0200 {
			inst.Mnemonic = "mov"
			if rm == 14 {
				inst.IsReturn = true
			} else {
				inst.IsJump = true
			}
			if v, ok := thumbRegValue(st, rm, pc); ok {
				thumbSetTarget(inst, v|1)
			}
		} else {
			inst.Mnemonic = "add"
			inst.IsJump = true
			if v, ok := thumbRegValue(st, rm, pc); ok {
				thumbSetTarget(inst, (pc+v)|1)
			}
		}
		inst.OpStr = "pc, " + thumbRegName(rm)

	// POP <registers>
	case hw&0xfe00 == 0xbc00:
		list := hw & 0xff
		if hw&0x100 != 0 {
			list |= 1 << 15
			inst.IsReturn = true
			popTarget(inst, st, list, true)
		}
		inst.Mnemonic, inst.OpStr = "pop", regList(list)

	default:
		inst.Mnemonic, inst.OpStr = thumb16Text(hw, pc)
	}
}

// thumb16Text renders the common non-branch 16-bit encodings.
func thumb16Text(hw uint16, pc uint64) (string, string) {
	lo := func(shift uint) string { return loRegs[hw>>shift&7] }

	switch {
	case hw == 0xbf00:
		return "nop", ""
	case hw&0xff0f == 0xbf00:
		return "hint", fmt.Sprintf("#%d", hw>>4&0xf)
	case hw&0xff00 == 0xbf00:
		return "it", fmt.Sprintf("#%#x", hw&0xff)
	case hw&0xff00 == 0xbe00:
		return "bkpt", fmt.Sprintf("#%#x", hw&0xff)
	case hw&0xfe00 == 0xb400:
		list := hw & 0xff
		if hw&0x100 != 0 {
			list |= 1 << 14
		}
		return "push", regList(list)
	case hw&0xff80 == 0xb000:
		return "add", fmt.Sprintf("sp, sp, #%#x", (hw&0x7f)<<2)
	case hw&0xff80 == 0xb080:
		return "sub", fmt.Sprintf("sp, sp, #%#x", (hw&0x7f)<<2)
	case hw&0xf800 == 0x1800:
		op := "add"
		if hw&0x0200 != 0 {
			op = "sub"
		}
		if hw&0x0400 != 0 {
			return op + "s", fmt.Sprintf("%s, %s, #%d", lo(0), lo(3), hw>>6&7)
		}
		return op + "s", fmt.Sprintf("%s, %s, %s", lo(0), lo(3), lo(6))
	case hw&0xe000 == 0x0000:
		ops := [3]string{"lsls", "lsrs", "asrs"}
		return ops[hw>>11&3], fmt.Sprintf("%s, %s, #%d", lo(0), lo(3), hw>>6&0x1f)
	case hw&0xe000 == 0x2000:
		ops := [4]string{"movs", "cmp", "adds", "subs"}
		return ops[hw>>11&3], fmt.Sprintf("%s, #%d", lo(8), hw&0xff)
	case hw&0xfc00 == 0x4000:
		ops := [16]string{"ands", "eors", "lsls", "lsrs", "asrs", "adcs", "sbcs", "rors",
			"tst", "rsbs", "cmp", "cmn", "orrs", "muls", "bics", "mvns"}
		return ops[hw>>6&0xf], fmt.Sprintf("%s, %s", lo(0), lo(3))
	case hw&0xfc00 == 0x4400:
		ops := [4]string{"add", "cmp", "mov", "bx"}
		rd := hw>>4&8 | hw&7
		return ops[hw>>8&3], fmt.Sprintf("%s, %s", thumbRegName(rd), thumbRegName(hw>>3&0xf))
	case hw&0xf800 == 0x4800:
		lit := (pc&^3 + uint64(hw&0xff)<<2) & 0xffffffff
		return "ldr", fmt.Sprintf("%s, [pc, #%#x] ; %#x", lo(8), (hw&0xff)<<2, lit)
	case hw&0xf000 == 0x5000:
		ops := [8]string{"str", "strh", "strb", "ldrsb", "ldr", "ldrh", "ldrb", "ldrsh"}
		return ops[hw>>9&7], fmt.Sprintf("%s, [%s, %s]", lo(0), lo(3), lo(6))
	case hw&0xe000 == 0x6000:
		op, scale := "str", uint16(4)
		if hw&0x1000 != 0 {
			op, scale = "strb", 1
		}
		if hw&0x0800 != 0 {
			op = "ldr" + op[3:]
		}
		return op, fmt.Sprintf("%s, [%s, #%d]", lo(0), lo(3), (hw>>6&0x1f)*scale)
	case hw&0xf000 == 0x8000:
		op := "strh"
		if hw&0x0800 != 0 {
			op = "ldrh"
		}
		return op, fmt.Sprintf("%s, [%s, #%d]", lo(0), lo(3), (hw>>6&0x1f)*2)
	case hw&0xf000 == 0x9000:
		op := "str"
		if hw&0x0800 != 0 {
			op = "ldr"
		}
		return op, fmt.Sprintf("%s, [sp, #%d]", lo(8), (hw&0xff)<<2)
	case hw&0xf800 == 0xa000:
		return "adr", fmt.Sprintf("%s, #%#x", lo(8), (hw&0xff)<<2)
	case hw&0xf800 == 0xa800:
		return "add", fmt.Sprintf("%s, sp, #%d", lo(8), (hw&0xff)<<2)
	}
	return ".inst.n", fmt.Sprintf("%#04x", hw)
}

func decodeThumb32(inst *Instruction, hw1, hw2 uint16, st State) {
	pc := inst.Address + thumbPCOffset

	switch {
	// B<c>.W, B.W, BL, BLX <label>
	case hw1&0xf800 == 0xf000 && hw2&0x8000 == 0x8000:
		s := uint32(hw1 >> 10 & 1)
		j1 := uint32(hw2 >> 13 & 1)
		j2 := uint32(hw2 >> 11 & 1)

		switch hw2 & 0xd000 {
		case 0x8000:
			cond := uint8(hw1 >> 6 & 0xf)
			if cond >= condAL {
				break
			}
			imm := s<<20 | j2<<19 | j1<<18 | uint32(hw1&0x3f)<<12 | uint32(hw2&0x7ff)<<1
			inst.IsJump = true
			inst.Conditional = true
			inst.Taken = flagsHold(st, "cpsr", cond)
			thumbSetTarget(inst, uint64(int64(pc)+signExtend(imm, 21)))
			inst.Mnemonic = "b" + condNames[cond] + ".w"
			inst.OpStr = fmt.Sprintf("#%#x", inst.Target)
			return

		case 0x9000, 0xd000, 0xc000:
			i1 := ^(j1 ^ s) & 1
			i2 := ^(j2 ^ s) & 1
			imm := s<<24 | i1<<23 | i2<<22 | uint32(hw1&0x3ff)<<12 | uint32(hw2&0x7ff)<<1
			off := signExtend(imm, 25)
			switch hw2 & 0xd000 {
			case 0x9000:
				inst.IsJump = true
				inst.Mnemonic = "b.w"
				thumbSetTarget(inst, uint64(int64(pc)+off))
			case 0xd000:
				inst.IsCall = true
				inst.Mnemonic = "bl"
				thumbSetTarget(inst, uint64(int64(pc)+off))
			default:
				inst.IsCall = true
				inst.Mnemonic = "blx"
				inst.SwitchMode = true
				thumbSetTarget(inst, uint64(int64(pc&^3)+off)&^3)
			}
			inst.OpStr = fmt.Sprintf("#%#x", inst.Target)
			return
		}

	// POP.W <registers>
	case hw1 == 0xe8bd:
		list := hw2 &^ 0x2000
		if list&(1<<15) != 0 {
			inst.IsReturn = true
			popTarget(inst, st, list, true)
		}
		inst.Mnemonic, inst.OpStr = "pop.w", regList(list)
		return

	// LDR.W PC, [SP], #4
	case hw1 == 0xf85d && hw2 == 0xfb04:
		inst.IsReturn = true
		popTarget(inst, st, 1<<15, true)
		inst.Mnemonic, inst.OpStr = "ldr.w", "pc, [sp], #4"
		return

	// TBB/TBH [Rn, Rm]
	case hw1&0xfff0 == 0xe8d0 && hw2&0xffe0 == 0xf000:
		rn, rm := hw1&0xf, hw2&0xf
		half := hw2&0x10 != 0
		inst.IsJump = true
		inst.Mnemonic = "tbb"
		inst.OpStr = fmt.Sprintf("[%s, %s]", thumbRegName(rn), thumbRegName(rm))
		if half {
			inst.Mnemonic = "tbh"
			inst.OpStr = fmt.Sprintf("[%s, %s, lsl #1]", thumbRegName(rn), thumbRegName(rm))
		}
		base, ok1 := thumbRegValue(st, rn, pc)
		idx, ok2 := thumbRegValue(st, rm, pc)
		if ok1 && ok2 {
			width := 1
			if half {
				width = 2
				idx <<= 1
			}
			if off, ok := readPtr(st, base+idx, width); ok {
				thumbSetTarget(inst, pc+2*off)
			}
		}
		return

	case hw1 == 0xe92d:
		inst.Mnemonic, inst.OpStr = "push.w", regList(hw2)
		return
	}

	inst.Mnemonic = ".inst.w"
	inst.OpStr = fmt.Sprintf("%#08x", uint32(hw1)<<16|uint32(hw2))
}
