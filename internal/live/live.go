// Package live provides the live process context the emulator is seeded
// from: per-thread register snapshots and on-demand access to the memory
// regions of the target.
package live

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zboralski/ucstep/internal/arch"
)

var (
	ErrNoThread = errors.New("no such thread")
	ErrNoRegion = errors.New("address not in any region")
)

// Thread is a captured register context.
type Thread struct {
	ID int
	// Native is set when the registers come from real hardware state
	// rather than a synthesized or partial context.
	Native    bool
	Thumb     bool
	Registers map[string]uint64
}

func (t *Thread) clone() *Thread {
	cp := *t
	cp.Registers = make(map[string]uint64, len(t.Registers))
	for k, v := range t.Registers {
		cp.Registers[k] = v
	}
	return &cp
}

// Region is a readable memory region of the live process.
type Region struct {
	Base uint64
	Size uint64
}

func (r Region) End() uint64 { return r.Base + r.Size }

func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x-%#x)", r.Base, r.End())
}

// Process is a source of live process state.
type Process interface {
	// Arch is the architecture inferred from the process.
	Arch() arch.Arch
	// CurrentThread is the thread id used when the caller asks for thread 0.
	CurrentThread() int
	Thread(tid int) (*Thread, error)
	// Region returns the region containing addr.
	Region(addr uint64) (Region, error)
	// Regions lists every readable region.
	Regions() []Region
	ReadMemory(addr, size uint64) ([]byte, error)
}

// canonicalRegisters keeps the registers a knows about, renamed to their
// canonical names.
func canonicalRegisters(a arch.Arch, regs map[string]uint64) map[string]uint64 {
	spec := a.Spec()
	out := make(map[string]uint64, len(regs))
	if spec == nil {
		return out
	}
	for name, v := range regs {
		if c, ok := spec.Canonical(name); ok {
			out[c] = spec.Mask(v)
		}
	}
	return out
}

type imageRegion struct {
	Region
	data []byte
}

// image is an in-memory set of non-overlapping regions, sorted by base.
type image struct {
	regions []imageRegion
}

func (im *image) add(base uint64, size uint64, data []byte) error {
	if size == 0 {
		return fmt.Errorf("empty region at %#x", base)
	}
	r := imageRegion{Region: Region{Base: base, Size: size}, data: data}
	for _, o := range im.regions {
		if r.Base < o.End() && o.Base < r.End() {
			return fmt.Errorf("region %v overlaps %v", r.Region, o.Region)
		}
	}
	im.regions = append(im.regions, r)
	sort.Slice(im.regions, func(i, j int) bool { return im.regions[i].Base < im.regions[j].Base })
	return nil
}

func (im *image) find(addr uint64) (*imageRegion, bool) {
	i := sort.Search(len(im.regions), func(i int) bool { return im.regions[i].End() > addr })
	if i < len(im.regions) && im.regions[i].Contains(addr) {
		return &im.regions[i], true
	}
	return nil, false
}

func (im *image) Region(addr uint64) (Region, error) {
	r, ok := im.find(addr)
	if !ok {
		return Region{}, fmt.Errorf("%w: %#x", ErrNoRegion, addr)
	}
	return r.Region, nil
}

// ReadMemory reads from a single region. Bytes past the stored data of a
// region (such as .bss in a core file) read as zero.
func (im *image) ReadMemory(addr, size uint64) ([]byte, error) {
	r, ok := im.find(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrNoRegion, addr)
	}
	if addr+size > r.End() {
		return nil, fmt.Errorf("read %#x+%#x crosses end of region %v", addr, size, r.Region)
	}
	out := make([]byte, size)
	off := addr - r.Base
	if off < uint64(len(r.data)) {
		copy(out, r.data[off:])
	}
	return out, nil
}

func (im *image) Regions() []Region {
	out := make([]Region, len(im.regions))
	for i, r := range im.regions {
		out[i] = r.Region
	}
	return out
}
