// Package protocol parses the text commands that drive the engine and
// renders their replies.
//
// A command is a case-sensitive verb followed by arguments, separated by
// ":::". Scripts on the debugger side prefix it with the "emulator"
// namespace:
//
//	emulator:::setup:::1234:::arm:::thumb
//	emulator:::start:::0x1010
//	emulator:::step:::2
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/emulator"
)

// Sep separates the verb and its arguments.
const Sep = ":::"

// Namespace prefixes payloads sent by debugger-side scripts.
const Namespace = "emulator"

// Verb names a command.
type Verb string

const (
	VerbSetup Verb = "setup"
	VerbStart Verb = "start"
	VerbStep  Verb = "step"
	VerbClean Verb = "clean"
	VerbStop  Verb = "stop"
)

var verbs = map[Verb]bool{VerbSetup: true, VerbStart: true, VerbStep: true, VerbClean: true, VerbStop: true}

var (
	ErrEmpty              = errors.New("empty command")
	ErrUnknownVerb        = errors.New("unknown verb")
	ErrNotEmulatorPayload = errors.New("not an emulator payload")
)

// Command is a parsed command line.
type Command struct {
	Verb Verb
	Args []string
}

func (c Command) String() string {
	return strings.Join(append([]string{string(c.Verb)}, c.Args...), Sep)
}

// Arg returns argument i, or "" when absent.
func (c Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

// Parse parses "verb:::arg...". Surrounding whitespace is ignored.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, ErrEmpty
	}
	parts := strings.Split(line, Sep)
	v := Verb(parts[0])
	if !verbs[v] {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownVerb, parts[0])
	}
	return Command{Verb: v, Args: parts[1:]}, nil
}

// ParsePayload parses a namespaced payload "emulator:::verb:::arg...".
// Payloads with fewer than two parts or another namespace yield
// ErrNotEmulatorPayload and should be ignored by the caller.
func ParsePayload(payload string) (Command, error) {
	parts := strings.SplitN(strings.TrimSpace(payload), Sep, 2)
	if len(parts) < 2 || parts[0] != Namespace {
		return Command{}, ErrNotEmulatorPayload
	}
	return Parse(parts[1])
}

// SetupRequest is the typed form of a setup command. A zero TID selects
// the current thread; an Unknown Arch infers it from the live process.
type SetupRequest struct {
	TID  int
	Arch arch.Arch
}

type StartRequest struct {
	Until uint64
}

type StepRequest struct {
	Mode emulator.StepMode
}

type CleanRequest struct{}

type StopRequest struct{}

// Request converts c into one of the typed requests above.
func (c Command) Request() (any, error) {
	switch c.Verb {
	case VerbSetup:
		return parseSetup(c)
	case VerbStart:
		until, err := ParseAddress(c.Arg(0))
		if err != nil {
			return nil, err
		}
		return StartRequest{Until: until}, nil
	case VerbStep:
		return StepRequest{Mode: ParseStepMode(c.Arg(0))}, nil
	case VerbClean:
		return CleanRequest{}, nil
	case VerbStop:
		return StopRequest{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, c.Verb)
}

func parseSetup(c Command) (SetupRequest, error) {
	var req SetupRequest
	if s := strings.TrimSpace(c.Arg(0)); s != "" {
		tid, err := strconv.Atoi(s)
		if err != nil {
			return req, fmt.Errorf("%w: %q", emulator.ErrInvalidThreadID, s)
		}
		req.TID = tid
	}
	if len(c.Args) < 3 {
		return req, nil
	}
	a, err := arch.Parse(c.Args[1], c.Args[2])
	switch {
	case errors.Is(err, arch.ErrUnknownName):
		// Unknown identifiers fall back to the process architecture.
	case err != nil:
		return req, fmt.Errorf("%w: %w", emulator.ErrSetupFailed, err)
	default:
		req.Arch = a
	}
	return req, nil
}

// ParseAddress parses a decimal or 0x-prefixed end address. Empty means 0.
func ParseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", emulator.ErrInvalidEndAddress, s)
	}
	return v, nil
}

// ParseStepMode parses a step mode number. Anything that is not a valid
// mode selects single stepping.
func ParseStepMode(s string) emulator.StepMode {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return emulator.StepSingle
	}
	m := emulator.StepMode(n)
	if !m.Valid() || m == emulator.StepNone {
		return emulator.StepSingle
	}
	return m
}

// Replies

// FormatStatus renders "verb:::status".
func FormatStatus(v Verb, status int) string {
	return fmt.Sprintf("%s%s%d", v, Sep, status)
}

// FormatRun renders a finished run: "verb:::reason:::next". Runs that
// failed are rendered with FormatError.
func FormatRun(v Verb, res emulator.RunResult) string {
	if res.Err != nil {
		return FormatError(v, res.Err)
	}
	return fmt.Sprintf("%s%s%s%s%#x", v, Sep, res.Reason, Sep, res.Next)
}

// FormatError renders "error:::verb:::message".
func FormatError(v Verb, err error) string {
	msg := strings.ReplaceAll(err.Error(), Sep, " ")
	return fmt.Sprintf("error%s%s%s%s", Sep, v, Sep, msg)
}
