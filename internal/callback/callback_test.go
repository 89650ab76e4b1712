package callback

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zboralski/ucstep/internal/disasm"
	"github.com/zboralski/ucstep/internal/log"
	"github.com/zboralski/ucstep/internal/vcpu"
)

type fakeEngine struct {
	regs    map[string]uint64
	mem     map[uint64][]byte
	stopped int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		regs: map[string]uint64{"x0": 0x10, "pc": 0x1000},
		mem:  map[uint64][]byte{0x2000: {0xde, 0xad}},
	}
}

func (f *fakeEngine) Registers() map[string]uint64 { return f.regs }

func (f *fakeEngine) ReadMemory(addr uint64, size int) ([]byte, error) {
	b, ok := f.mem[addr]
	if !ok || len(b) < size {
		return nil, errors.New("unmapped")
	}
	return b[:size], nil
}

func (f *fakeEngine) WriteMemory(addr uint64, data []byte) error {
	f.mem[addr] = append([]byte(nil), data...)
	return nil
}

func (f *fakeEngine) WriteRegister(name string, value uint64) error {
	if _, ok := f.regs[name]; !ok {
		return vcpu.ErrUnknownRegister
	}
	f.regs[name] = value
	return nil
}

func (f *fakeEngine) Stop() { f.stopped++ }

func writeModule(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

var sample = &disasm.Instruction{
	Address: 0x1000, Size: 4, Bytes: []byte{0x1f, 0x20, 0x03, 0xd5},
	Mnemonic: "bl", OpStr: "#0x1100", IsCall: true, Target: 0x1100, HasTarget: true,
}

const jsModuleSrc = `
var seen = 0;
function hook_code(engine, inst, address, size) {
	seen++;
	if (inst.mnemonic === "bl" && inst.is_call && address === 0x1000 && size === 4) {
		engine.regWrite("x0", engine.regRead("x0") + inst.target);
	}
	if (seen === 2) {
		engine.stop();
	}
}
function hook_memory_access(engine, access, address, size, value) {
	if (access === "write") {
		engine.memWrite(address, [value & 0xff]);
	}
}
`

func TestJSModule(t *testing.T) {
	eng := newFakeEngine()
	m, err := Load(writeModule(t, "hooks.js", jsModuleSrc), eng, log.NewNop())
	require.NoError(t, err)
	defer m.Close()

	m.HookCode(sample, 0x1000, 4)
	assert.Equal(t, uint64(0x1110), eng.regs["x0"])
	assert.Equal(t, 0, eng.stopped)

	m.HookCode(sample, 0x1000, 4)
	assert.Equal(t, 1, eng.stopped)

	m.HookMemoryAccess(vcpu.AccessWrite, 0x3000, 1, 0x41)
	assert.Equal(t, []byte{0x41}, eng.mem[0x3000])
}

const luaModuleSrc = `
function hook_code(engine, inst, address, size)
	if inst.is_call and inst.target == 0x1100 then
		engine.regWrite("x0", engine.regRead("x0") + size)
	end
end

function hook_memory_access(engine, access, address, size, value)
	if access == "read" then
		local b = engine.memRead(0x2000, 2)
		engine.memWrite(address, b)
	end
end
`

func TestLuaModule(t *testing.T) {
	eng := newFakeEngine()
	m, err := Load(writeModule(t, "hooks.lua", luaModuleSrc), eng, log.NewNop())
	require.NoError(t, err)
	defer m.Close()

	m.HookCode(sample, 0x1000, 4)
	assert.Equal(t, uint64(0x14), eng.regs["x0"])

	m.HookMemoryAccess(vcpu.AccessRead, 0x4000, 2, 0)
	assert.Equal(t, []byte{0xde, 0xad}, eng.mem[0x4000])
}

func TestMissingHooksAreSkipped(t *testing.T) {
	eng := newFakeEngine()
	for _, name := range []string{"empty.js", "empty.lua"} {
		m, err := Load(writeModule(t, name, ""), eng, nil)
		require.NoError(t, err, name)
		m.HookCode(sample, 0x1000, 4)
		m.HookMemoryAccess(vcpu.AccessRead, 0x2000, 1, 0)
		assert.NoError(t, m.Close())
	}
	assert.Equal(t, uint64(0x10), eng.regs["x0"])
}

func TestHookErrorsAreSwallowed(t *testing.T) {
	eng := newFakeEngine()
	js, err := Load(writeModule(t, "throw.js", `function hook_code() { throw new Error("boom"); }`), eng, nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { js.HookCode(sample, 0x1000, 4) })

	lm, err := Load(writeModule(t, "throw.lua", `function hook_code(e) e.regWrite("nope", 1) end`), eng, nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { lm.HookCode(sample, 0x1000, 4) })
	lm.Close()
}

func TestLoadErrors(t *testing.T) {
	eng := newFakeEngine()
	tests := []struct {
		name string
		path string
	}{
		{"unknown extension", writeModule(t, "hooks.py", "def hook_code(): pass")},
		{"missing file", filepath.Join(t.TempDir(), "nope.js")},
		{"js syntax", writeModule(t, "bad.js", "function (")},
		{"lua syntax", writeModule(t, "bad.lua", "function end")},
	}
	for _, tt := range tests {
		_, err := Load(tt.path, eng, nil)
		assert.True(t, errors.Is(err, ErrLoad), "%s: %v", tt.name, err)
	}
}
