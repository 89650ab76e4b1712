// Package arch describes the CPU architectures the emulator can drive.
//
// Architecture-specific dispatch is an explicit tagged union: every Arch
// value owns a Spec with its register table, program counter name and
// pointer width. Backends map the canonical register names to their own ids.
package arch

import (
	"errors"
	"fmt"
	"strings"
)

// Arch identifies an instruction set and initial decoder mode.
type Arch int

const (
	Unknown Arch = iota
	A32
	A32Thumb
	A64
	X86
	X64
)

var (
	// ErrUnknownName is returned by Parse when the architecture or mode
	// identifier is not recognized at all. Callers fall back to the
	// architecture inferred from the live process.
	ErrUnknownName = errors.New("unknown architecture identifier")
	// ErrUnsupported is returned by Parse for recognized identifiers that
	// form a combination the emulator cannot run.
	ErrUnsupported = errors.New("unsupported architecture")
)

func (a Arch) String() string {
	switch a {
	case A32:
		return "arm"
	case A32Thumb:
		return "arm-thumb"
	case A64:
		return "arm64"
	case X86:
		return "x86"
	case X64:
		return "x64"
	default:
		return fmt.Sprintf("Arch(%d)", int(a))
	}
}

// IsARM reports whether a is a 32-bit ARM architecture in either mode.
func (a Arch) IsARM() bool {
	return a == A32 || a == A32Thumb
}

// Thumb reports whether a starts in the Thumb instruction set.
func (a Arch) Thumb() bool {
	return a == A32Thumb
}

// WithThumb returns the ARM variant matching the requested mode. Non-ARM
// architectures are returned unchanged.
func (a Arch) WithThumb(thumb bool) Arch {
	if !a.IsARM() {
		return a
	}
	if thumb {
		return A32Thumb
	}
	return A32
}

// Valid reports whether a names a supported architecture.
func (a Arch) Valid() bool {
	return a >= A32 && a <= X64
}

// Spec returns the register table for a, or nil for Unknown.
func (a Arch) Spec() *Spec {
	switch a {
	case A32, A32Thumb:
		return armSpec
	case A64:
		return arm64Spec
	case X86:
		return x86Spec
	case X64:
		return x64Spec
	}
	return nil
}

// FromProcessName maps the architecture name reported by a live process
// ("arm", "arm64", "ia32", "x64", and common aliases) to an Arch.
func FromProcessName(name string) (Arch, bool) {
	switch strings.ToLower(name) {
	case "arm", "arm32", "armv7":
		return A32, true
	case "thumb":
		return A32Thumb, true
	case "arm64", "aarch64":
		return A64, true
	case "ia32", "x86", "i386", "386":
		return X86, true
	case "x64", "x86_64", "amd64":
		return X64, true
	}
	return Unknown, false
}

// Backend architecture and mode identifiers understood by Parse. The names
// follow the virtual CPU's own identifier sets, so a script can pass the
// same strings it would use against the backend directly.
var (
	archNames = map[string]bool{
		"arm": true, "arm64": true, "mips": true, "x86": true, "ppc": true,
		"sparc": true, "m68k": true, "riscv": true, "s390x": true, "tricore": true,
	}
	modeNames = map[string]bool{
		"little_endian": true, "big_endian": true, "arm": true, "thumb": true,
		"mclass": true, "v8": true, "16": true, "32": true, "64": true,
		"micro": true, "mips3": true, "mips32r6": true, "mips32": true, "mips64": true,
		"ppc32": true, "ppc64": true, "qpx": true, "sparc32": true, "sparc64": true,
		"v9": true, "riscv32": true, "riscv64": true,
	}
)

// Parse resolves an explicit architecture/mode override. Unrecognized names
// yield ErrUnknownName; recognized names the emulator cannot run yield
// ErrUnsupported.
func Parse(archName, modeName string) (Arch, error) {
	an := strings.ToLower(strings.TrimSpace(archName))
	mn := strings.ToLower(strings.TrimSpace(modeName))
	if !archNames[an] || !modeNames[mn] {
		return Unknown, fmt.Errorf("%w: %s/%s", ErrUnknownName, archName, modeName)
	}

	switch an {
	case "arm":
		switch mn {
		case "arm", "little_endian":
			return A32, nil
		case "thumb":
			return A32Thumb, nil
		}
	case "arm64":
		switch mn {
		case "arm", "little_endian":
			return A64, nil
		}
	case "x86":
		switch mn {
		case "32":
			return X86, nil
		case "64":
			return X64, nil
		}
	}
	return Unknown, fmt.Errorf("%w: %s/%s", ErrUnsupported, archName, modeName)
}

// AlignInstruction applies the instruction-set convention to the least
// significant bit of addr: set in Thumb mode, clear otherwise.
func AlignInstruction(addr uint64, thumb bool) uint64 {
	if thumb {
		return addr | 1
	}
	return addr &^ 1
}
