// Package unicorn backs vcpu.CPU with the Unicorn Engine.
package unicorn

import (
	"fmt"
	"sync/atomic"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/vcpu"
)

// CPU wraps a Unicorn instance for one architecture.
type CPU struct {
	mu   uc.Unicorn
	arch arch.Arch
	regs map[string]int

	// Stop flag, checked on every instruction so a stop requested from
	// outside a hook still halts promptly.
	stopped atomic.Bool
	hooks   []uc.Hook
}

var _ vcpu.CPU = (*CPU)(nil)

// New creates a Unicorn CPU for a.
func New(a arch.Arch) (vcpu.CPU, error) {
	ucArch, ucMode, err := modeFor(a)
	if err != nil {
		return nil, err
	}
	mu, err := uc.NewUnicorn(ucArch, ucMode)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	c := &CPU{mu: mu, arch: a, regs: registerIDs(a)}

	// Internal stop hook
	h, err := mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if c.stopped.Load() {
			mu.Stop()
		}
	}, 1, 0)
	if err != nil {
		mu.Close()
		return nil, fmt.Errorf("install stop hook: %w", err)
	}
	c.hooks = append(c.hooks, h)
	return c, nil
}

func modeFor(a arch.Arch) (int, int, error) {
	switch a {
	case arch.A32:
		return uc.ARCH_ARM, uc.MODE_ARM, nil
	case arch.A32Thumb:
		return uc.ARCH_ARM, uc.MODE_THUMB, nil
	case arch.A64:
		return uc.ARCH_ARM64, uc.MODE_ARM, nil
	case arch.X86:
		return uc.ARCH_X86, uc.MODE_32, nil
	case arch.X64:
		return uc.ARCH_X86, uc.MODE_64, nil
	}
	return 0, 0, fmt.Errorf("unicorn: unsupported architecture %v", a)
}

func (c *CPU) Arch() arch.Arch { return c.arch }

func (c *CPU) MemMap(addr, size uint64) error {
	return c.mu.MemMap(addr, size)
}

func (c *CPU) MemUnmap(addr, size uint64) error {
	return c.mu.MemUnmap(addr, size)
}

func (c *CPU) MemRead(addr, size uint64) ([]byte, error) {
	return c.mu.MemRead(addr, size)
}

func (c *CPU) MemWrite(addr uint64, data []byte) error {
	return c.mu.MemWrite(addr, data)
}

// RegRead reads a register by canonical name.
func (c *CPU) RegRead(name string) (uint64, error) {
	id, ok := c.regs[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", vcpu.ErrUnknownRegister, name)
	}
	return c.mu.RegRead(id)
}

// RegWrite writes a register by canonical name.
func (c *CPU) RegWrite(name string, value uint64) error {
	id, ok := c.regs[name]
	if !ok {
		return fmt.Errorf("%w: %s", vcpu.ErrUnknownRegister, name)
	}
	return c.mu.RegWrite(id, value)
}

func (c *CPU) HookCode(fn vcpu.CodeHook) error {
	h, err := c.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		fn(addr, size)
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook code: %w", err)
	}
	c.hooks = append(c.hooks, h)
	return nil
}

func (c *CPU) HookMemory(fn vcpu.MemoryHook) error {
	h, err := c.mu.HookAdd(uc.HOOK_MEM_READ|uc.HOOK_MEM_WRITE,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
			fn(accessKind(access), addr, size, value)
		}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook memory: %w", err)
	}
	c.hooks = append(c.hooks, h)
	return nil
}

func (c *CPU) HookUnmapped(fn vcpu.UnmappedHook) error {
	h, err := c.mu.HookAdd(uc.HOOK_MEM_READ_UNMAPPED|uc.HOOK_MEM_WRITE_UNMAPPED|uc.HOOK_MEM_FETCH_UNMAPPED,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			return fn(accessKind(access), addr, size, value)
		}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook unmapped: %w", err)
	}
	c.hooks = append(c.hooks, h)
	return nil
}

func accessKind(access int) vcpu.Access {
	switch access {
	case uc.MEM_WRITE, uc.MEM_WRITE_UNMAPPED, uc.MEM_WRITE_PROT:
		return vcpu.AccessWrite
	case uc.MEM_FETCH, uc.MEM_FETCH_UNMAPPED, uc.MEM_FETCH_PROT:
		return vcpu.AccessFetch
	}
	return vcpu.AccessRead
}

// Start runs from begin until until is reached or Stop is called.
func (c *CPU) Start(begin, until uint64) error {
	c.stopped.Store(false)
	return c.mu.Start(begin, until)
}

// Stop halts emulation. Safe to call from a hook.
func (c *CPU) Stop() error {
	c.stopped.Store(true)
	return c.mu.Stop()
}

// Close removes the hooks and releases the Unicorn instance.
func (c *CPU) Close() error {
	for _, h := range c.hooks {
		_ = c.mu.HookDel(h)
	}
	c.hooks = nil
	return c.mu.Close()
}
