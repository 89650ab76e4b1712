// Package vcpu defines the virtual CPU capability the emulation engine
// drives. Implementations address registers by the canonical names from
// package arch, so nothing above this package depends on backend ids.
package vcpu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zboralski/ucstep/internal/arch"
)

// PageSize is the mapping granularity of the virtual CPU.
const PageSize = 0x1000

// ErrUnknownRegister is returned for a register name the CPU does not have.
var ErrUnknownRegister = errors.New("unknown register")

// Access is the kind of memory access reported to memory hooks.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessFetch
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessFetch:
		return "fetch"
	}
	return fmt.Sprintf("Access(%d)", int(a))
}

// CodeHook runs before every instruction.
type CodeHook func(addr uint64, size uint32)

// MemoryHook runs on every mapped read or write.
type MemoryHook func(access Access, addr uint64, size int, value int64)

// UnmappedHook runs when an access touches unmapped memory. Returning true
// tells the CPU the fault was handled and the access should be retried.
type UnmappedHook func(access Access, addr uint64, size int, value int64) bool

// CPU is a single sandboxed virtual CPU.
//
// Stop called from inside a CodeHook halts the CPU before the hooked
// instruction executes.
type CPU interface {
	Arch() arch.Arch

	MemMap(addr, size uint64) error
	MemUnmap(addr, size uint64) error
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error

	RegRead(name string) (uint64, error)
	RegWrite(name string, value uint64) error

	HookCode(fn CodeHook) error
	HookMemory(fn MemoryHook) error
	HookUnmapped(fn UnmappedHook) error

	Start(begin, until uint64) error
	Stop() error
	Close() error
}

// Factory creates a CPU for the given architecture.
type Factory func(a arch.Arch) (CPU, error)

// ReadUint reads a little-endian unsigned value of 1, 2, 4 or 8 bytes.
func ReadUint(cpu CPU, addr uint64, size int) (uint64, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return 0, fmt.Errorf("read %d bytes at %#x: unsupported width", size, addr)
	}
	data, err := cpu.MemRead(addr, uint64(size))
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint writes a little-endian unsigned value of 1, 2, 4 or 8 bytes.
func WriteUint(cpu CPU, addr uint64, size int, value uint64) error {
	switch size {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("write %d bytes at %#x: unsupported width", size, addr)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return cpu.MemWrite(addr, buf[:size])
}

// AlignDown rounds addr down to a page boundary.
func AlignDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// AlignUp rounds addr up to a page boundary.
func AlignUp(addr uint64) uint64 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}
