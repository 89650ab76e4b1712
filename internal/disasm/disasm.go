// Package disasm decodes single instructions and classifies their control
// flow: whether they jump, call or return, where they go, and whether they
// switch the ARM instruction set.
package disasm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/zboralski/ucstep/internal/arch"
)

var (
	// ErrShort is returned when fewer bytes than one instruction are given.
	ErrShort = errors.New("truncated instruction")
	// ErrUnsupported is returned for an architecture without a decoder.
	ErrUnsupported = errors.New("unsupported architecture")
)

// Instruction is a decoded instruction with control-flow classification.
type Instruction struct {
	Address  uint64
	Size     int
	Bytes    []byte
	Mnemonic string
	OpStr    string
	Thumb    bool

	IsJump   bool
	IsCall   bool
	IsReturn bool

	// Conditional branches carry whether their condition held when the
	// instruction was decoded.
	Conditional bool
	Taken       bool

	// Target is the branch destination, valid when HasTarget is set.
	Target    uint64
	HasTarget bool

	// SwitchMode is set when the branch toggles ARM/Thumb. It is never set
	// on a conditional branch that is not taken.
	SwitchMode bool
}

// IsBranch reports whether the instruction transfers control.
func (i *Instruction) IsBranch() bool {
	return i.IsJump || i.IsCall || i.IsReturn
}

// Next returns the address executed after this instruction: the resolved
// target for a taken branch, the straight-line successor otherwise.
func (i *Instruction) Next() uint64 {
	if i.IsBranch() && i.HasTarget && (!i.Conditional || i.Taken) {
		return i.Target
	}
	return i.Address + uint64(i.Size)
}

func (i *Instruction) String() string {
	if i.OpStr == "" {
		return i.Mnemonic
	}
	return i.Mnemonic + " " + i.OpStr
}

// State exposes the CPU state needed to resolve register-indirect and
// memory-indirect targets. Decoding without a State still classifies the
// instruction but leaves such targets unresolved.
type State interface {
	Reg(name string) (uint64, bool)
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// Decoder decodes instructions for one architecture. The Thumb flag can be
// toggled between calls to follow ARM/Thumb interworking.
type Decoder struct {
	arch  arch.Arch
	thumb bool
}

// New creates a decoder for a.
func New(a arch.Arch) (*Decoder, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, a)
	}
	return &Decoder{arch: a, thumb: a.Thumb()}, nil
}

func (d *Decoder) Arch() arch.Arch { return d.arch }

// Thumb reports whether the decoder is in Thumb mode.
func (d *Decoder) Thumb() bool { return d.thumb }

// SetThumb switches between the ARM and Thumb instruction sets. It is a
// no-op for non-ARM architectures.
func (d *Decoder) SetThumb(thumb bool) {
	if d.arch.IsARM() {
		d.thumb = thumb
	}
}

// Decode decodes the instruction in code located at addr.
func (d *Decoder) Decode(addr uint64, code []byte, st State) (*Instruction, error) {
	if len(code) == 0 {
		return nil, ErrShort
	}
	var (
		inst *Instruction
		err  error
	)
	switch {
	case d.arch == arch.A64:
		inst, err = decodeA64(addr, code, st)
	case d.arch.IsARM() && d.thumb:
		inst, err = decodeThumb(addr, code, st)
	case d.arch.IsARM():
		inst, err = decodeARM(addr, code, st)
	case d.arch == arch.X86:
		inst, err = decodeX86(addr, code, 32, st)
	case d.arch == arch.X64:
		inst, err = decodeX86(addr, code, 64, st)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, d.arch)
	}
	if err != nil {
		return nil, fmt.Errorf("decode at %#x: %w", addr, err)
	}
	if inst.Conditional && !inst.Taken {
		// Execution falls through in the current instruction set.
		inst.SwitchMode = false
	}
	inst.Bytes = append([]byte(nil), code[:inst.Size]...)
	return inst, nil
}

// splitText splits "mnemonic operands" into its two halves.
func splitText(text string) (string, string) {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, ' '); i >= 0 {
		return text[:i], strings.TrimSpace(text[i+1:])
	}
	return text, ""
}

// replaceLastOperand substitutes the final comma-separated operand, used to
// print absolute branch targets instead of PC-relative offsets.
func replaceLastOperand(ops, with string) string {
	if i := strings.LastIndex(ops, ","); i >= 0 {
		return ops[:i+1] + " " + with
	}
	return with
}

func reg(st State, name string) (uint64, bool) {
	if st == nil {
		return 0, false
	}
	return st.Reg(name)
}

// readPtr reads a little-endian pointer of the given width.
func readPtr(st State, addr uint64, width int) (uint64, bool) {
	if st == nil {
		return 0, false
	}
	b, err := st.ReadMemory(addr, width)
	if err != nil || len(b) < width {
		return 0, false
	}
	switch width {
	case 1:
		return uint64(b[0]), true
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), true
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), true
	case 8:
		return binary.LittleEndian.Uint64(b), true
	}
	return 0, false
}

func signExtend(v uint32, bits uint) int64 {
	shift := 32 - bits
	return int64(int32(v<<shift) >> shift)
}
