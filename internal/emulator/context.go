package emulator

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/vcpu"
)

// RegisterContext is a register snapshot keyed by canonical name. Only
// registers of its architecture are ever stored.
type RegisterContext struct {
	mu     sync.RWMutex
	arch   arch.Arch
	spec   *arch.Spec
	values map[string]uint64
}

func NewRegisterContext(a arch.Arch) *RegisterContext {
	return &RegisterContext{arch: a, spec: a.Spec(), values: make(map[string]uint64)}
}

func (c *RegisterContext) Arch() arch.Arch { return c.arch }

// Get returns a register by canonical name or alias.
func (c *RegisterContext) Get(name string) (uint64, bool) {
	if c.spec == nil {
		return 0, false
	}
	canon, ok := c.spec.Canonical(name)
	if !ok {
		return 0, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[canon]
	return v, ok
}

// Reg lets a RegisterContext resolve branch targets for the decoder.
func (c *RegisterContext) Reg(name string) (uint64, bool) { return c.Get(name) }

func (c *RegisterContext) Set(name string, v uint64) error {
	if c.spec == nil {
		return fmt.Errorf("%w: %s", vcpu.ErrUnknownRegister, name)
	}
	canon, ok := c.spec.Canonical(name)
	if !ok {
		return fmt.Errorf("%w: %s", vcpu.ErrUnknownRegister, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[canon] = c.spec.Mask(v)
	return nil
}

// Values returns a copy of the snapshot.
func (c *RegisterContext) Values() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Names lists the stored registers in architecture order.
func (c *RegisterContext) Names() []string {
	if c.spec == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.values))
	for _, n := range c.spec.Registers {
		if _, ok := c.values[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

// Refresh replaces the snapshot with the CPU's register file. In Thumb
// mode the program counter is reported with bit 0 set.
func (c *RegisterContext) Refresh(cpu vcpu.CPU, thumb bool) {
	if c.spec == nil {
		return
	}
	values := make(map[string]uint64, len(c.spec.Registers))
	for _, name := range c.spec.Registers {
		v, err := cpu.RegRead(name)
		if err != nil {
			continue
		}
		if name == c.spec.PC {
			v = arch.AlignInstruction(v, thumb)
		}
		values[name] = c.spec.Mask(v)
	}
	c.mu.Lock()
	c.values = values
	c.mu.Unlock()
}

// Sync copies src (names or aliases) into the CPU register file, skipping
// blocked registers and names the architecture does not define. The
// program counter is written with the instruction-set bit matching thumb.
// It returns the canonical names written.
func (c *RegisterContext) Sync(cpu vcpu.CPU, src map[string]uint64, thumb bool, blocked map[string]bool) ([]string, error) {
	if c.spec == nil {
		return nil, fmt.Errorf("%w: %v", arch.ErrUnsupported, c.arch)
	}
	var written []string
	for name, v := range src {
		canon, ok := c.spec.Canonical(name)
		if !ok || blocked[canon] {
			continue
		}
		if canon == c.spec.PC {
			v = arch.AlignInstruction(v, thumb)
		}
		if err := cpu.RegWrite(canon, c.spec.Mask(v)); err != nil {
			return written, fmt.Errorf("write %s: %w", canon, err)
		}
		written = append(written, canon)
	}
	sort.Strings(written)
	return written, nil
}

// String renders "name=value" pairs in architecture order.
func (c *RegisterContext) String() string {
	var b strings.Builder
	vals := c.Values()
	for i, n := range c.Names() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%#x", n, vals[n])
	}
	return b.String()
}
