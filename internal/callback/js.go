package callback

import (
	"fmt"
	"os"

	"github.com/dop251/goja"

	"github.com/zboralski/ucstep/internal/disasm"
	"github.com/zboralski/ucstep/internal/log"
	"github.com/zboralski/ucstep/internal/vcpu"
)

type jsModule struct {
	path   string
	vm     *goja.Runtime
	host   goja.Value
	code   goja.Callable
	memory goja.Callable
	logger *log.Logger
}

func loadJS(path string, eng Engine, logger *log.Logger) (Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	vm := goja.New()
	if _, err := vm.RunScript(path, string(src)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, path, err)
	}

	m := &jsModule{path: path, vm: vm, logger: logger}
	m.host = vm.ToValue(jsEngine(vm, eng))
	m.code, _ = goja.AssertFunction(vm.Get(hookCodeName))
	m.memory, _ = goja.AssertFunction(vm.Get(hookMemoryName))
	return m, nil
}

func jsEngine(vm *goja.Runtime, eng Engine) *goja.Object {
	o := vm.NewObject()
	o.Set("regRead", func(name string) (uint64, error) {
		v, ok := eng.Registers()[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", vcpu.ErrUnknownRegister, name)
		}
		return v, nil
	})
	o.Set("regWrite", eng.WriteRegister)
	o.Set("memRead", func(addr uint64, size int) ([]byte, error) {
		return eng.ReadMemory(addr, size)
	})
	o.Set("memWrite", func(addr uint64, data []byte) error {
		return eng.WriteMemory(addr, data)
	})
	o.Set("registers", eng.Registers)
	o.Set("stop", eng.Stop)
	return o
}

func (m *jsModule) Path() string { return m.path }

func (m *jsModule) HookCode(inst *disasm.Instruction, addr uint64, size uint32) {
	if m.code == nil {
		return
	}
	guard(m.logger, hookCodeName, func() error {
		_, err := m.code(goja.Undefined(), m.host, m.vm.ToValue(instructionFields(inst)),
			m.vm.ToValue(addr), m.vm.ToValue(size))
		return err
	})
}

func (m *jsModule) HookMemoryAccess(access vcpu.Access, addr uint64, size int, value int64) {
	if m.memory == nil {
		return
	}
	guard(m.logger, hookMemoryName, func() error {
		_, err := m.memory(goja.Undefined(), m.host, m.vm.ToValue(access.String()),
			m.vm.ToValue(addr), m.vm.ToValue(size), m.vm.ToValue(value))
		return err
	})
}

func (m *jsModule) Close() error {
	m.vm.Interrupt("module closed")
	return nil
}
