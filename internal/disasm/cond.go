package disasm

// ARM condition codes, shared by A32, Thumb and A64.
const (
	condEQ = iota
	condNE
	condCS
	condCC
	condMI
	condPL
	condVS
	condVC
	condHI
	condLS
	condGE
	condLT
	condGT
	condLE
	condAL
	condNV
)

var condNames = [16]string{
	"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc",
	"hi", "ls", "ge", "lt", "gt", "le", "", "",
}

// armCondHolds evaluates an ARM condition code against NZCV held in bits
// 31..28 of flags (CPSR or the A64 NZCV register).
func armCondHolds(cond uint8, flags uint64) bool {
	n := flags>>31&1 == 1
	z := flags>>30&1 == 1
	c := flags>>29&1 == 1
	v := flags>>28&1 == 1

	switch cond & 0xf {
	case condEQ:
		return z
	case condNE:
		return !z
	case condCS:
		return c
	case condCC:
		return !c
	case condMI:
		return n
	case condPL:
		return !n
	case condVS:
		return v
	case condVC:
		return !v
	case condHI:
		return c && !z
	case condLS:
		return !c || z
	case condGE:
		return n == v
	case condLT:
		return n != v
	case condGT:
		return !z && n == v
	case condLE:
		return z || n != v
	}
	return true
}

// EFLAGS bits.
const (
	flagCF = 1 << 0
	flagPF = 1 << 2
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagOF = 1 << 11
)
