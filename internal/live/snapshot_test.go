package live

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zboralski/ucstep/internal/arch"
)

const snapshotYAML = `
arch: arm64
thread: 7
threads:
  - tid: 7
    native: true
    registers:
      x0: 0x10
      x29: 0x7000
      x30: 0x4010
      sp: 0x8000
      pc: 0x1000
      bogus: 1
regions:
  - base: 0x1000
    size: 0x1000
    data: |
      1f2003d5 1f2003d5
      c0035fd6
`

func TestParseSnapshot(t *testing.T) {
	s, err := ParseSnapshot(strings.NewReader(snapshotYAML))
	require.NoError(t, err)

	assert.Equal(t, arch.A64, s.Arch())
	assert.Equal(t, 7, s.CurrentThread())

	th, err := s.Thread(7)
	require.NoError(t, err)
	assert.True(t, th.Native)
	assert.Equal(t, uint64(0x7000), th.Registers["fp"])
	assert.Equal(t, uint64(0x4010), th.Registers["lr"])
	assert.NotContains(t, th.Registers, "bogus")
	assert.NotContains(t, th.Registers, "x29")

	r, err := s.Region(0x1abc)
	require.NoError(t, err)
	assert.Equal(t, Region{Base: 0x1000, Size: 0x1000}, r)

	b, err := s.ReadMemory(0x1008, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc0, 0x03, 0x5f, 0xd6, 0, 0, 0, 0}, b)
}

func TestSnapshotErrors(t *testing.T) {
	s := NewSnapshot(arch.X64, 1)
	require.NoError(t, s.AddRegion(0x1000, 0x1000, nil))

	_, err := s.Thread(2)
	assert.True(t, errors.Is(err, ErrNoThread))

	_, err = s.Region(0x3000)
	assert.True(t, errors.Is(err, ErrNoRegion))

	_, err = s.ReadMemory(0xff8, 4)
	assert.True(t, errors.Is(err, ErrNoRegion))

	_, err = s.ReadMemory(0x1ffc, 8)
	assert.Error(t, err, "read crossing the end of a region")

	assert.Error(t, s.AddRegion(0x1800, 0x1000, nil), "overlapping region")
	assert.Error(t, s.AddRegion(0x4000, 2, []byte{1, 2, 3}), "data larger than region")

	_, err = ParseSnapshot(strings.NewReader("arch: sparc\n"))
	assert.Error(t, err)
}

func TestSnapshotThreadIsCopy(t *testing.T) {
	s := NewSnapshot(arch.X64, 1)
	s.AddThread(Thread{ID: 1, Registers: map[string]uint64{"rip": 0x1000}})

	th, err := s.Thread(1)
	require.NoError(t, err)
	th.Registers["rip"] = 0x2000

	again, err := s.Thread(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), again.Registers["rip"])
}

func TestSnapshotEncodeRoundTrip(t *testing.T) {
	s := NewSnapshot(arch.A32, 3)
	s.AddThread(Thread{ID: 3, Thumb: true, Registers: map[string]uint64{"r0": 1, "pc": 0x2000}})
	require.NoError(t, s.AddRegion(0x2000, 0x1000, []byte{0x70, 0x47}))

	var buf bytes.Buffer
	require.NoError(t, s.Encode(&buf))

	back, err := ParseSnapshot(&buf)
	require.NoError(t, err)
	th, err := back.Thread(3)
	require.NoError(t, err)
	assert.True(t, th.Thumb)
	assert.Equal(t, uint64(0x2000), th.Registers["pc"])

	b, err := back.ReadMemory(0x2000, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x70, 0x47}, b)
}

func TestParseMaps(t *testing.T) {
	in := `00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/dbus-daemon
00651000-00652000 rw-p 00051000 08:02 173521      /usr/bin/dbus-daemon
7f0000000000-7f0000001000 ---p 00000000 00:00 0
7ffd6b3f4000-7ffd6b415000 rw-p 00000000 00:00 0   [stack]
`
	regions, err := parseMaps(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, regions, 3)
	assert.Equal(t, Region{Base: 0x400000, Size: 0x52000}, regions[0])

	r, err := findRegion(regions, 0x7ffd6b414fff)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7ffd6b3f4000), r.Base)

	_, err = findRegion(regions, 0x7f0000000000)
	assert.True(t, errors.Is(err, ErrNoRegion), "unreadable mapping is not a region")

	_, err = parseMaps(strings.NewReader("zz-10 r-xp\n"))
	assert.Error(t, err)
}
