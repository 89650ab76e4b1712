package colorize

import (
	"strings"
	"testing"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/disasm"
)

func TestInstructionLinePlain(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	call := &disasm.Instruction{
		Address: 0x1004, Size: 4, Bytes: []byte{0x40, 0x00, 0x00, 0x94},
		Mnemonic: "bl", OpStr: "#0x1104", IsCall: true, Target: 0x1104, HasTarget: true,
	}
	want := "00001004  40 00 00 94  bl #0x1104  #call -> 0x1104"
	if got := InstructionLine(arch.A64, call); got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}

	skipped := &disasm.Instruction{
		Address: 0x2000, Size: 2, Bytes: []byte{0x01, 0xd0},
		Mnemonic: "beq", OpStr: "#0x2006", IsJump: true, Conditional: true, Target: 0x2006, HasTarget: true,
	}
	got := InstructionLine(arch.A32Thumb, skipped)
	if !strings.Contains(got, "#jump #not-taken") || strings.Contains(got, "->") {
		t.Errorf("not-taken branch rendered as %q", got)
	}
}

func TestRegisterTable(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	regs := map[string]uint64{"eax": 1, "ebx": 2, "eip": 0x401000}
	out := RegisterTable(arch.X86, regs, map[string]uint64{"eax": 1})
	for _, want := range []string{"eax", "00000001", "eip", "00401000"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if RegisterTable(arch.Unknown, regs, nil) != "" {
		t.Error("table rendered for unknown arch")
	}
}
