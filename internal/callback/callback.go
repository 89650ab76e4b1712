// Package callback loads operator-supplied hook modules. A module is a
// JavaScript (.js) or Lua (.lua) file that may define either of
//
//	hook_code(engine, instruction, address, size)
//	hook_memory_access(engine, access, address, size, value)
//
// Both are optional. Hooks run best-effort: errors and panics inside a
// module are logged and swallowed.
package callback

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/zboralski/ucstep/internal/disasm"
	"github.com/zboralski/ucstep/internal/log"
	"github.com/zboralski/ucstep/internal/vcpu"
)

// ErrLoad is returned when a module cannot be loaded.
var ErrLoad = errors.New("callback load failed")

const (
	hookCodeName   = "hook_code"
	hookMemoryName = "hook_memory_access"
)

// Engine is the capability handed to a module.
type Engine interface {
	Registers() map[string]uint64
	ReadMemory(addr uint64, size int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error
	WriteRegister(name string, value uint64) error
	Stop()
}

// Module is a loaded callback module.
type Module interface {
	Path() string
	HookCode(inst *disasm.Instruction, addr uint64, size uint32)
	HookMemoryAccess(access vcpu.Access, addr uint64, size int, value int64)
	Close() error
}

// Load loads the module at path, picking the runtime from the extension.
func Load(path string, eng Engine, logger *log.Logger) (Module, error) {
	if logger == nil {
		logger = log.Get()
	}
	logger = logger.WithComponent("callback")

	switch strings.ToLower(filepath.Ext(path)) {
	case ".js":
		return loadJS(path, eng, logger)
	case ".lua":
		return loadLua(path, eng, logger)
	}
	return nil, fmt.Errorf("%w: %s: unsupported module type", ErrLoad, path)
}

// guard runs fn and logs anything it raises.
func guard(logger *log.Logger, hook string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("callback panicked", zap.String("hook", hook), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		logger.Debug("callback failed", zap.String("hook", hook), zap.Error(err))
	}
}

// instructionFields is the view of an instruction handed to scripts.
func instructionFields(inst *disasm.Instruction) map[string]any {
	m := map[string]any{
		"address":   inst.Address,
		"size":      inst.Size,
		"bytes":     fmt.Sprintf("%x", inst.Bytes),
		"mnemonic":  inst.Mnemonic,
		"op_str":    inst.OpStr,
		"thumb":     inst.Thumb,
		"is_jump":   inst.IsJump,
		"is_call":   inst.IsCall,
		"is_return": inst.IsReturn,
	}
	if inst.HasTarget {
		m["target"] = inst.Target
	}
	return m
}
