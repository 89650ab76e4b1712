package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/vcpu"
)

// fakeCPU interprets a handful of encodings so the engine can be
// exercised without unicorn:
//
//	A64:   add xd, xn, #imm   ldr xt, [xn, #imm]   str xt, [xn, #imm]
//	       b / bl             ret                   nop
//	A32:   add rd, rn, #imm8  bx<c> rm (al, eq, ne) mov r0, r0
//	Thumb: adds rd, #imm8     bx rm                 nop
type fakeCPU struct {
	arch arch.Arch
	regs map[string]uint64
	mem  map[uint64][]byte // page base -> page

	code     vcpu.CodeHook
	memory   vcpu.MemoryHook
	unmapped vcpu.UnmappedHook

	stopped bool
	closed  bool
	thumb   bool

	// gate, when set, blocks Start until it is closed.
	gate chan struct{}
	// rehook re-runs the code hook for an instruction after a handled
	// data fault, the way a CPU restarting the instruction would.
	rehook bool

	mu       sync.Mutex
	maps     []span
	starts   int
	executed int
}

var errFakeFault = errors.New("fake: unhandled fault")

func newFakeCPU(a arch.Arch) *fakeCPU {
	return &fakeCPU{arch: a, regs: make(map[string]uint64), mem: make(map[uint64][]byte)}
}

// fakeFactory returns a factory handing out cpu and recording every CPU
// it creates.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeCPU
	prepare func(*fakeCPU)
	err     error
}

func (f *fakeFactory) New(a arch.Arch) (vcpu.CPU, error) {
	if f.err != nil {
		return nil, f.err
	}
	cpu := newFakeCPU(a)
	if f.prepare != nil {
		f.prepare(cpu)
	}
	f.mu.Lock()
	f.created = append(f.created, cpu)
	f.mu.Unlock()
	return cpu, nil
}

func (f *fakeFactory) last() *fakeCPU {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func (c *fakeCPU) Arch() arch.Arch { return c.arch }

func (c *fakeCPU) MemMap(addr, size uint64) error {
	if addr%vcpu.PageSize != 0 || size%vcpu.PageSize != 0 || size == 0 {
		return fmt.Errorf("fake: unaligned map %#x+%#x", addr, size)
	}
	for p := addr; p < addr+size; p += vcpu.PageSize {
		if _, ok := c.mem[p]; ok {
			return fmt.Errorf("fake: page %#x already mapped", p)
		}
	}
	for p := addr; p < addr+size; p += vcpu.PageSize {
		c.mem[p] = make([]byte, vcpu.PageSize)
	}
	c.mu.Lock()
	c.maps = append(c.maps, span{addr, addr + size})
	c.mu.Unlock()
	return nil
}

func (c *fakeCPU) MemUnmap(addr, size uint64) error {
	for p := addr; p < addr+size; p += vcpu.PageSize {
		delete(c.mem, p)
	}
	return nil
}

func (c *fakeCPU) mapped(addr, size uint64) bool {
	for p := vcpu.AlignDown(addr); p < addr+size; p += vcpu.PageSize {
		if _, ok := c.mem[p]; !ok {
			return false
		}
	}
	return true
}

func (c *fakeCPU) MemRead(addr, size uint64) ([]byte, error) {
	if !c.mapped(addr, size) {
		return nil, fmt.Errorf("fake: read unmapped %#x", addr)
	}
	out := make([]byte, size)
	for i := range out {
		a := addr + uint64(i)
		out[i] = c.mem[vcpu.AlignDown(a)][a%vcpu.PageSize]
	}
	return out, nil
}

func (c *fakeCPU) MemWrite(addr uint64, data []byte) error {
	if !c.mapped(addr, uint64(len(data))) {
		return fmt.Errorf("fake: write unmapped %#x", addr)
	}
	for i, b := range data {
		a := addr + uint64(i)
		c.mem[vcpu.AlignDown(a)][a%vcpu.PageSize] = b
	}
	return nil
}

func (c *fakeCPU) RegRead(name string) (uint64, error) {
	if !c.arch.Spec().Has(name) {
		return 0, fmt.Errorf("%w: %s", vcpu.ErrUnknownRegister, name)
	}
	return c.regs[name], nil
}

func (c *fakeCPU) RegWrite(name string, v uint64) error {
	if !c.arch.Spec().Has(name) {
		return fmt.Errorf("%w: %s", vcpu.ErrUnknownRegister, name)
	}
	c.regs[name] = v
	return nil
}

func (c *fakeCPU) HookCode(fn vcpu.CodeHook) error         { c.code = fn; return nil }
func (c *fakeCPU) HookMemory(fn vcpu.MemoryHook) error     { c.memory = fn; return nil }
func (c *fakeCPU) HookUnmapped(fn vcpu.UnmappedHook) error { c.unmapped = fn; return nil }

func (c *fakeCPU) Stop() error {
	c.stopped = true
	return nil
}

func (c *fakeCPU) Close() error {
	c.closed = true
	return nil
}

func (c *fakeCPU) startCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

func (c *fakeCPU) mapCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.maps)
}

// Start runs from begin until until is reached, Stop is called, or an
// unhandled fault occurs. ARM code only runs once a code hook is installed,
// so the VFP preamble returns immediately. Other architectures are not
// interpreted.
func (c *fakeCPU) Start(begin, until uint64) error {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
	if c.gate != nil {
		<-c.gate
	}
	switch {
	case c.arch == arch.A64:
	case c.arch.IsARM() && c.code != nil:
		c.thumb = begin&1 == 1
		begin &^= 1
	default:
		return nil
	}

	c.stopped = false
	c.regs["pc"] = begin
	for steps := 0; steps < 10000; steps++ {
		pc := c.regs["pc"]
		if pc == until {
			return nil
		}
		size := uint32(4)
		if c.thumb {
			size = 2
		}
		if !c.mapped(pc, uint64(size)) {
			if c.unmapped == nil || !c.unmapped(vcpu.AccessFetch, pc, int(size), 0) {
				return fmt.Errorf("%w: fetch %#x", errFakeFault, pc)
			}
			continue
		}
		if c.code != nil {
			c.code(pc, size)
		}
		if c.stopped {
			return nil
		}
		if c.arch != arch.A64 {
			if err := c.execARM(pc); err != nil {
				return err
			}
			continue
		}
		retry, err := c.exec(pc)
		if err != nil {
			return err
		}
		for retry {
			if c.rehook && c.code != nil {
				c.code(pc, 4)
				if c.stopped {
					return nil
				}
			}
			if retry, err = c.exec(pc); err != nil {
				return err
			}
		}
	}
	return errors.New("fake: step limit")
}

// exec executes the instruction at pc. retry is set when a data fault was
// handled and the instruction must run again.
func (c *fakeCPU) exec(pc uint64) (retry bool, err error) {
	raw, _ := c.MemRead(pc, 4)
	w := binary.LittleEndian.Uint32(raw)
	x := func(n uint32) string {
		switch n {
		case 29:
			return "fp"
		case 30:
			return "lr"
		case 31:
			return "sp"
		}
		return fmt.Sprintf("x%d", n)
	}
	rd, rn := w&31, (w>>5)&31
	next := pc + 4

	switch {
	case w == 0xd503201f: // nop
	case w&0xff800000 == 0x91000000: // add imm
		c.regs[x(rd)] = c.regs[x(rn)] + uint64((w>>10)&0xfff)
	case w&0xfc000000 == 0x14000000, w&0xfc000000 == 0x94000000: // b, bl
		off := int64(int32(w<<6) >> 6)
		if w&0x80000000 != 0 {
			c.regs["lr"] = pc + 4
		}
		next = uint64(int64(pc) + off*4)
	case w == 0xd65f03c0: // ret
		next = c.regs["lr"]
	case w&0xffc00000 == 0xf9400000, w&0xffc00000 == 0xf9000000: // ldr, str
		addr := c.regs[x(rn)] + uint64((w>>10)&0xfff)*8
		load := w&0xffc00000 == 0xf9400000
		access := vcpu.AccessWrite
		if load {
			access = vcpu.AccessRead
		}
		if !c.mapped(addr, 8) {
			if c.unmapped == nil || !c.unmapped(access, addr, 8, int64(c.regs[x(rd)])) {
				return false, fmt.Errorf("%w: %s %#x", errFakeFault, access, addr)
			}
			return true, nil
		}
		if load {
			v, err := vcpu.ReadUint(c, addr, 8)
			if err != nil {
				return false, err
			}
			c.regs[x(rd)] = v
			if c.memory != nil {
				c.memory(access, addr, 8, 0)
			}
		} else {
			v := c.regs[x(rd)]
			if c.memory != nil {
				c.memory(access, addr, 8, int64(v))
			}
			if err := vcpu.WriteUint(c, addr, 8, v); err != nil {
				return false, err
			}
		}
	default:
		return false, fmt.Errorf("fake: cannot execute %#08x at %#x", w, pc)
	}
	c.mu.Lock()
	c.executed++
	c.mu.Unlock()
	c.regs["pc"] = next
	return false, nil
}

// execARM executes the A32 or Thumb instruction at pc.
func (c *fakeCPU) execARM(pc uint64) error {
	r := func(n uint32) string {
		switch n {
		case 13:
			return "sp"
		case 14:
			return "lr"
		case 15:
			return "pc"
		}
		return fmt.Sprintf("r%d", n)
	}
	next := pc + 4
	var target uint64
	branch := false

	if c.thumb {
		next = pc + 2
		raw, _ := c.MemRead(pc, 2)
		h := uint32(binary.LittleEndian.Uint16(raw))
		switch {
		case h == 0xbf00: // nop
		case h&0xf800 == 0x3000: // adds rd, #imm8
			rd := r(h >> 8 & 7)
			c.regs[rd] = uint64(uint32(c.regs[rd]) + h&0xff)
		case h&0xff87 == 0x4700: // bx rm
			target, branch = c.regs[r(h>>3&15)], true
		default:
			return fmt.Errorf("fake: cannot execute %#04x at %#x", h, pc)
		}
	} else {
		raw, _ := c.MemRead(pc, 4)
		w := binary.LittleEndian.Uint32(raw)
		cond := w >> 28
		z := c.regs["cpsr"]&(1<<30) != 0
		pass := cond == 0xe || (cond == 0x0 && z) || (cond == 0x1 && !z)
		switch {
		case w == 0xe1a00000: // mov r0, r0
		case w&0xfff00000 == 0xe2800000: // add rd, rn, #imm8
			c.regs[r(w>>12&15)] = uint64(uint32(c.regs[r(w>>16&15)]) + w&0xff)
		case w&0x0ffffff0 == 0x012fff10: // bx<c> rm
			if pass {
				target, branch = c.regs[r(w&15)], true
			}
		default:
			return fmt.Errorf("fake: cannot execute %#08x at %#x", w, pc)
		}
	}

	if branch {
		c.thumb = target&1 == 1
		next = target &^ 1
	}
	c.mu.Lock()
	c.executed++
	c.mu.Unlock()
	c.regs["pc"] = next
	return nil
}

// arm assembles a little-endian A32 stream; thumb a Thumb stream of
// 16-bit encodings.
func arm(words ...uint32) []byte { return a64(words...) }

func thumb(halves ...uint16) []byte {
	out := make([]byte, 2*len(halves))
	for i, h := range halves {
		binary.LittleEndian.PutUint16(out[2*i:], h)
	}
	return out
}

// a64 assembles a little-endian instruction stream.
func a64(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

const (
	insAddX0   = 0x91000400 // add x0, x0, #1
	insNop     = 0xd503201f
	insRet     = 0xd65f03c0
	insLdrX3X1 = 0xf9400023 // ldr x3, [x1]
	insStrX0X1 = 0xf9000020 // str x0, [x1]
)

// insB encodes b from pc to target; insBL the same for bl.
func insB(pc, target uint64) uint32  { return 0x14000000 | uint32((int64(target)-int64(pc))/4)&0x3ffffff }
func insBL(pc, target uint64) uint32 { return 0x94000000 | uint32((int64(target)-int64(pc))/4)&0x3ffffff }
