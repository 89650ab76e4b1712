package emulator

import (
	"errors"

	"github.com/zboralski/ucstep/internal/callback"
)

var (
	ErrInvalidThreadID   = errors.New("invalid thread id")
	ErrInvalidContext    = errors.New("invalid context")
	ErrSetupFailed       = errors.New("setup failed")
	ErrAlreadyRunning    = errors.New("emulator already running")
	ErrInvalidEndAddress = errors.New("invalid end address")
	ErrPageMapFailed     = errors.New("page map failed")
	ErrPageCopyFailed    = errors.New("page copy failed")
	ErrDisassemblyFailed = errors.New("disassembly failed")
	ErrLoopDetected      = errors.New("loop detected")
	ErrRunError          = errors.New("run error")
	ErrNotSetup          = errors.New("emulator not set up")
	ErrClosed            = errors.New("emulator closed")

	// ErrCallbackLoadFailed never aborts a run. It is logged and the
	// configured module path is cleared.
	ErrCallbackLoadFailed = callback.ErrLoad
)

// Setup status codes reported over the command protocol.
const (
	StatusOK              = 0
	StatusInvalidThreadID = 1
	StatusInvalidContext  = 2
	StatusSetupFailed     = 3
)

// Paging error codes.
const (
	CodePageMapFailed  = 301
	CodePageCopyFailed = 302
)

// SetupStatus maps a setup error to its protocol status code.
func SetupStatus(err error) int {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidThreadID):
		return StatusInvalidThreadID
	case errors.Is(err, ErrInvalidContext):
		return StatusInvalidContext
	default:
		return StatusSetupFailed
	}
}

// PageErrorCode maps a paging error to its numeric code, or 0.
func PageErrorCode(err error) int {
	switch {
	case errors.Is(err, ErrPageMapFailed):
		return CodePageMapFailed
	case errors.Is(err, ErrPageCopyFailed):
		return CodePageCopyFailed
	}
	return 0
}
