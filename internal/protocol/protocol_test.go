package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zboralski/ucstep/internal/arch"
	"github.com/zboralski/ucstep/internal/emulator"
)

func TestParse(t *testing.T) {
	c, err := Parse("  step:::3\n")
	require.NoError(t, err)
	assert.Equal(t, VerbStep, c.Verb)
	assert.Equal(t, []string{"3"}, c.Args)
	assert.Equal(t, "step:::3", c.String())
	assert.Equal(t, "", c.Arg(1))

	_, err = Parse("")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse("Step:::1")
	assert.ErrorIs(t, err, ErrUnknownVerb, "verbs are case-sensitive")
}

func TestParsePayload(t *testing.T) {
	c, err := ParsePayload("emulator:::setup:::1234:::arm:::thumb")
	require.NoError(t, err)
	assert.Equal(t, VerbSetup, c.Verb)
	assert.Equal(t, []string{"1234", "arm", "thumb"}, c.Args)

	for _, p := range []string{"emulator", "other:::step", "", "setup:::1"} {
		_, err := ParsePayload(p)
		assert.ErrorIs(t, err, ErrNotEmulatorPayload, p)
	}

	_, err = ParsePayload("emulator:::bogus")
	assert.ErrorIs(t, err, ErrUnknownVerb)
}

func TestSetupRequest(t *testing.T) {
	tests := []struct {
		line string
		want SetupRequest
		err  error
	}{
		{"setup", SetupRequest{}, nil},
		{"setup:::0", SetupRequest{}, nil},
		{"setup:::42", SetupRequest{TID: 42}, nil},
		{"setup:::42:::arm:::thumb", SetupRequest{TID: 42, Arch: arch.A32Thumb}, nil},
		{"setup:::42:::x86:::64", SetupRequest{TID: 42, Arch: arch.X64}, nil},
		// Unknown identifiers fall back to the inferred architecture.
		{"setup:::42:::z80:::thumb", SetupRequest{TID: 42}, nil},
		{"setup:::42:::mips:::mips32", SetupRequest{}, emulator.ErrSetupFailed},
		{"setup:::abc", SetupRequest{}, emulator.ErrInvalidThreadID},
	}
	for _, tt := range tests {
		c, err := Parse(tt.line)
		require.NoError(t, err, tt.line)
		req, err := c.Request()
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err, tt.line)
			continue
		}
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, req, tt.line)
	}

	_, err := mustParse(t, "setup:::abc").Request()
	assert.Equal(t, emulator.StatusInvalidThreadID, emulator.SetupStatus(err))
}

func TestStartAndStepRequests(t *testing.T) {
	req, err := mustParse(t, "start:::0x1010").Request()
	require.NoError(t, err)
	assert.Equal(t, StartRequest{Until: 0x1010}, req)

	req, err = mustParse(t, "start:::4112").Request()
	require.NoError(t, err)
	assert.Equal(t, StartRequest{Until: 0x1010}, req)

	req, err = mustParse(t, "start").Request()
	require.NoError(t, err)
	assert.Equal(t, StartRequest{}, req)

	_, err = mustParse(t, "start:::0xzz").Request()
	assert.ErrorIs(t, err, emulator.ErrInvalidEndAddress)

	modes := map[string]emulator.StepMode{
		"step":       emulator.StepSingle,
		"step:::1":   emulator.StepSingle,
		"step:::2":   emulator.StepCall,
		"step:::3":   emulator.StepJump,
		"step:::0":   emulator.StepSingle,
		"step:::9":   emulator.StepSingle,
		"step:::two": emulator.StepSingle,
	}
	for line, want := range modes {
		req, err := mustParse(t, line).Request()
		require.NoError(t, err, line)
		assert.Equal(t, StepRequest{Mode: want}, req, line)
	}

	req, err = mustParse(t, "clean").Request()
	require.NoError(t, err)
	assert.IsType(t, CleanRequest{}, req)

	req, err = mustParse(t, "stop").Request()
	require.NoError(t, err)
	assert.IsType(t, StopRequest{}, req)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "setup:::0", FormatStatus(VerbSetup, 0))
	assert.Equal(t, "start:::reached end:::0x1014",
		FormatRun(VerbStart, emulator.RunResult{Reason: emulator.ReasonReachedEnd, Next: 0x1014}))
	assert.Equal(t, "error:::step:::boom a b",
		FormatRun(VerbStep, emulator.RunResult{Reason: emulator.ReasonError, Err: errors.New("boom a:::b")}))
}

func mustParse(t *testing.T, line string) Command {
	t.Helper()
	c, err := Parse(line)
	require.NoError(t, err)
	return c
}
