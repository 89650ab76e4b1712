//go:build linux && (amd64 || arm64)

package live

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zboralski/ucstep/internal/arch"
)

// Ptrace is a stopped process on this host. Registers are captured once
// at attach time and memory is read through /proc/<pid>/mem. The process
// stays stopped until Close.
type Ptrace struct {
	pid    int
	arch   arch.Arch
	thread *Thread
	maps   []Region
	mem    *os.File

	detach chan struct{}
	done   chan error
}

var _ Process = (*Ptrace)(nil)

type attachResult struct {
	regs []uint64
	err  error
}

// Attach stops pid and captures its registers.
func Attach(pid int) (*Ptrace, error) {
	a, names := arch.X64, amd64GregNames
	if runtime.GOARCH == "arm64" {
		a, names = arch.A64, aarch64GregNames
	}

	p := &Ptrace{pid: pid, arch: a, detach: make(chan struct{}), done: make(chan error, 1)}
	ready := make(chan attachResult, 1)

	// ptrace requests must come from the thread that attached.
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if err := unix.PtraceAttach(pid); err != nil {
			ready <- attachResult{err: fmt.Errorf("ptrace attach %d: %w", pid, err)}
			return
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
			_ = unix.PtraceDetach(pid)
			ready <- attachResult{err: fmt.Errorf("wait %d: %w", pid, err)}
			return
		}
		regs, err := getRegSet(pid, len(names))
		if err != nil {
			_ = unix.PtraceDetach(pid)
			ready <- attachResult{err: err}
			return
		}
		ready <- attachResult{regs: regs}

		<-p.detach
		p.done <- unix.PtraceDetach(pid)
	}()

	res := <-ready
	if res.err != nil {
		return nil, res.err
	}

	regs := make(map[string]uint64, len(names))
	for i, name := range names {
		regs[name] = res.regs[i]
	}
	p.thread = &Thread{ID: pid, Native: true, Registers: canonicalRegisters(a, regs)}

	if err := p.open(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Ptrace) open() error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return err
	}
	p.maps, err = parseMaps(f)
	f.Close()
	if err != nil {
		return err
	}
	p.mem, err = os.Open(fmt.Sprintf("/proc/%d/mem", p.pid))
	return err
}

func getRegSet(pid, n int) ([]uint64, error) {
	regs := make([]uint64, n)
	iov := unix.Iovec{Base: (*byte)(unsafe.Pointer(&regs[0]))}
	iov.SetLen(n * 8)
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET,
		uintptr(pid), uintptr(elfNTPRStatus), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("ptrace getregset %d: %w", pid, errno)
	}
	return regs, nil
}

const elfNTPRStatus = 1

func (p *Ptrace) Arch() arch.Arch    { return p.arch }
func (p *Ptrace) CurrentThread() int { return p.pid }

func (p *Ptrace) Thread(tid int) (*Thread, error) {
	if tid != p.pid {
		return nil, fmt.Errorf("%w: %d", ErrNoThread, tid)
	}
	return p.thread.clone(), nil
}

func (p *Ptrace) Region(addr uint64) (Region, error) {
	return findRegion(p.maps, addr)
}

// Regions lists the readable mappings captured at attach time.
func (p *Ptrace) Regions() []Region { return append([]Region(nil), p.maps...) }

func (p *Ptrace) ReadMemory(addr, size uint64) ([]byte, error) {
	if _, err := findRegion(p.maps, addr); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := p.mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("read %#x: %w", addr, err)
	}
	return buf, nil
}

// Close detaches from the process and lets it continue.
func (p *Ptrace) Close() error {
	if p.mem != nil {
		p.mem.Close()
	}
	if p.detach == nil {
		return nil
	}
	close(p.detach)
	p.detach = nil
	return <-p.done
}
