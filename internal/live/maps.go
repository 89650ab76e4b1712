package live

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// parseMaps reads a /proc/<pid>/maps listing and returns its readable
// mappings in file order.
func parseMaps(r io.Reader) ([]Region, error) {
	var out []Region
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, fmt.Errorf("maps: bad range %q", fields[0])
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("maps: %w", err)
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("maps: %w", err)
		}
		if end <= start || !strings.HasPrefix(fields[1], "r") {
			continue
		}
		out = append(out, Region{Base: start, Size: end - start})
	}
	return out, sc.Err()
}

func findRegion(regions []Region, addr uint64) (Region, error) {
	for _, r := range regions {
		if r.Contains(addr) {
			return r, nil
		}
	}
	return Region{}, fmt.Errorf("%w: %#x", ErrNoRegion, addr)
}
