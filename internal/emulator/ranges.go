package emulator

import (
	"fmt"
	"sort"

	"github.com/zboralski/ucstep/internal/vcpu"
)

// MemoryRange is a region paged in from the live process. Data is the
// content fetched at page-in time; later writes live only in the CPU.
type MemoryRange struct {
	Base uint64
	Size uint64
	Data []byte
}

func (r MemoryRange) End() uint64 { return r.Base + r.Size }

func (r MemoryRange) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

func (r MemoryRange) String() string {
	return fmt.Sprintf("[%#x-%#x)", r.Base, r.End())
}

// span is a page-aligned [lo, hi) interval.
type span struct{ lo, hi uint64 }

// rangeTable tracks paged-in ranges, sorted by base. Ranges never
// overlap, but neighbouring ranges can share a CPU page.
type rangeTable struct {
	ranges []*MemoryRange
}

func (t *rangeTable) find(addr uint64) *MemoryRange {
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].End() > addr })
	if i < len(t.ranges) && t.ranges[i].Contains(addr) {
		return t.ranges[i]
	}
	return nil
}

// add records rs. Nothing is recorded when any of them overlaps a known
// range or another of rs.
func (t *rangeTable) add(rs ...*MemoryRange) error {
	known := append([]*MemoryRange(nil), t.ranges...)
	for _, r := range rs {
		for _, o := range known {
			if r.Base < o.End() && o.Base < r.End() {
				return fmt.Errorf("range %v overlaps %v", r, o)
			}
		}
		known = append(known, r)
	}
	sort.Slice(known, func(i, j int) bool { return known[i].Base < known[j].Base })
	t.ranges = known
	return nil
}

// gaps returns the page-aligned parts of [lo, hi) not already backed by
// the CPU pages of an existing range.
func (t *rangeTable) gaps(lo, hi uint64) []span {
	var mapped []span
	for _, r := range t.ranges {
		mapped = append(mapped, span{vcpu.AlignDown(r.Base), vcpu.AlignUp(r.End())})
	}
	var out []span
	cur := lo
	for _, m := range mapped {
		if m.hi <= cur || m.lo >= hi {
			continue
		}
		if m.lo > cur {
			out = append(out, span{cur, m.lo})
		}
		if m.hi > cur {
			cur = m.hi
		}
	}
	if cur < hi {
		out = append(out, span{cur, hi})
	}
	return out
}

func (t *rangeTable) all() []MemoryRange {
	out := make([]MemoryRange, len(t.ranges))
	for i, r := range t.ranges {
		out[i] = *r
	}
	return out
}

func (t *rangeTable) reset() { t.ranges = nil }
