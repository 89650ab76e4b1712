//go:build !linux || !(amd64 || arm64)

package live

import (
	"fmt"
	"runtime"

	"github.com/zboralski/ucstep/internal/arch"
)

// Ptrace is unavailable on this platform.
type Ptrace struct{}

// Attach always fails on this platform.
func Attach(pid int) (*Ptrace, error) {
	return nil, fmt.Errorf("%w: ptrace on %s/%s", arch.ErrUnsupported, runtime.GOOS, runtime.GOARCH)
}

func (p *Ptrace) Close() error { return nil }

func (p *Ptrace) Arch() arch.Arch    { return arch.Unknown }
func (p *Ptrace) CurrentThread() int { return 0 }

func (p *Ptrace) Thread(tid int) (*Thread, error) {
	return nil, fmt.Errorf("%w: %d", ErrNoThread, tid)
}

func (p *Ptrace) Region(addr uint64) (Region, error) {
	return Region{}, fmt.Errorf("%w: %#x", ErrNoRegion, addr)
}

func (p *Ptrace) ReadMemory(addr, size uint64) ([]byte, error) {
	return nil, fmt.Errorf("%w: %#x", ErrNoRegion, addr)
}

func (p *Ptrace) Regions() []Region { return nil }
