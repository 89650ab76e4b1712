package colorize

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/disasm"
)

// InstructionLine renders one hooked instruction:
//
//	00001004  40 00 00 94  bl #0x1104  #call -> 0x1104
func InstructionLine(a arch.Arch, inst *disasm.Instruction) string {
	var b strings.Builder
	b.WriteString(Address(inst.Address))
	b.WriteString("  ")
	b.WriteString(HexBytes(fmt.Sprintf("%-12s", spacedHex(inst.Bytes))))
	b.WriteString(" ")
	b.WriteString(Instruction(a, inst.String()))

	var tags []string
	switch {
	case inst.IsCall:
		tags = append(tags, "#call")
	case inst.IsReturn:
		tags = append(tags, "#ret")
	case inst.IsJump:
		tags = append(tags, "#jump")
	}
	if inst.Conditional && !inst.Taken {
		tags = append(tags, "#not-taken")
	}
	if inst.SwitchMode {
		tags = append(tags, "#switch")
	}
	if len(tags) > 0 {
		b.WriteString("  ")
		b.WriteString(Tag(strings.Join(tags, " ")))
	}
	if inst.HasTarget && (!inst.Conditional || inst.Taken) {
		b.WriteString(Detail(fmt.Sprintf(" -> %#x", inst.Target)))
	}
	return b.String()
}

func spacedHex(data []byte) string {
	parts := make([]string, len(data))
	for i, c := range data {
		parts[i] = fmt.Sprintf("%02x", c)
	}
	return strings.Join(parts, " ")
}

// RegisterColumns is the number of name/value column pairs in a
// register table.
const RegisterColumns = 4

// RegisterTable renders registers in architecture order. Registers whose
// value differs from prev are highlighted; prev may be nil.
func RegisterTable(a arch.Arch, regs, prev map[string]uint64) string {
	spec := a.Spec()
	if spec == nil || len(regs) == 0 {
		return ""
	}
	width := spec.PtrSize * 2

	var cells []string
	var changed []bool
	for _, name := range spec.Registers {
		v, ok := regs[name]
		if !ok {
			continue
		}
		old, seen := prev[name]
		cells = append(cells, name, fmt.Sprintf("%0*x", width, v))
		changed = append(changed, false, prev != nil && (!seen || old != v))
	}

	cols := RegisterColumns * 2
	var rows [][]string
	for i := 0; i < len(cells); i += cols {
		row := make([]string, cols)
		copy(row, cells[i:min(i+cols, len(cells))])
		rows = append(rows, row)
	}

	name := lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB")).Padding(0, 1)
	value := lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Padding(0, 1)
	hot := value.Foreground(lipgloss.Color("#FF5050")).Bold(true)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))).
		BorderColumn(false).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col%2 == 0 {
				return name
			}
			i := row*cols + col
			if row >= 0 && i < len(changed) && changed[i] {
				return hot
			}
			return value
		})
	return t.Render()
}
