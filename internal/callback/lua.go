package callback

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/zboralski/ucstep/internal/disasm"
	"github.com/zboralski/ucstep/internal/log"
	"github.com/zboralski/ucstep/internal/vcpu"
)

// Lua numbers are float64, so addresses above 2^53 lose precision.
type luaModule struct {
	path   string
	L      *lua.LState
	host   *lua.LTable
	code   lua.LValue
	memory lua.LValue
	logger *log.Logger
}

func loadLua(path string, eng Engine, logger *log.Logger) (Module, error) {
	L := lua.NewState()
	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, path, err)
	}
	m := &luaModule{path: path, L: L, logger: logger}
	m.host = luaEngine(L, eng)
	if fn := L.GetGlobal(hookCodeName); fn.Type() == lua.LTFunction {
		m.code = fn
	}
	if fn := L.GetGlobal(hookMemoryName); fn.Type() == lua.LTFunction {
		m.memory = fn
	}
	return m, nil
}

func luaEngine(L *lua.LState, eng Engine) *lua.LTable {
	t := L.NewTable()
	L.SetFuncs(t, map[string]lua.LGFunction{
		"regRead": func(L *lua.LState) int {
			v, ok := eng.Registers()[L.CheckString(1)]
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LNumber(v))
			return 1
		},
		"regWrite": func(L *lua.LState) int {
			if err := eng.WriteRegister(L.CheckString(1), uint64(L.CheckNumber(2))); err != nil {
				L.RaiseError("%v", err)
			}
			return 0
		},
		"memRead": func(L *lua.LState) int {
			b, err := eng.ReadMemory(uint64(L.CheckNumber(1)), L.CheckInt(2))
			if err != nil {
				L.RaiseError("%v", err)
			}
			L.Push(lua.LString(b))
			return 1
		},
		"memWrite": func(L *lua.LState) int {
			if err := eng.WriteMemory(uint64(L.CheckNumber(1)), []byte(L.CheckString(2))); err != nil {
				L.RaiseError("%v", err)
			}
			return 0
		},
		"registers": func(L *lua.LState) int {
			regs := L.NewTable()
			for k, v := range eng.Registers() {
				regs.RawSetString(k, lua.LNumber(v))
			}
			L.Push(regs)
			return 1
		},
		"stop": func(L *lua.LState) int {
			eng.Stop()
			return 0
		},
	})
	return t
}

func luaValue(v any) lua.LValue {
	switch x := v.(type) {
	case uint64:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	}
	return lua.LNil
}

func (m *luaModule) Path() string { return m.path }

func (m *luaModule) HookCode(inst *disasm.Instruction, addr uint64, size uint32) {
	if m.code == nil {
		return
	}
	t := m.L.NewTable()
	for k, v := range instructionFields(inst) {
		t.RawSetString(k, luaValue(v))
	}
	guard(m.logger, hookCodeName, func() error {
		return m.L.CallByParam(lua.P{Fn: m.code, Protect: true},
			m.host, t, lua.LNumber(addr), lua.LNumber(size))
	})
}

func (m *luaModule) HookMemoryAccess(access vcpu.Access, addr uint64, size int, value int64) {
	if m.memory == nil {
		return
	}
	guard(m.logger, hookMemoryName, func() error {
		return m.L.CallByParam(lua.P{Fn: m.memory, Protect: true},
			m.host, lua.LString(access.String()), lua.LNumber(addr), lua.LNumber(size), lua.LNumber(value))
	})
}

func (m *luaModule) Close() error {
	m.L.Close()
	return nil
}
