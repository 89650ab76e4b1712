package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	var m Memory
	assert.Equal(t, "def", m.String(KeyCallbacksPath, "def"))
	assert.Equal(t, 7, m.Int(KeyInstructionsDelay, 7))

	require.NoError(t, m.Put(KeyInstructionsDelay, 250))
	require.NoError(t, m.Put(KeyCallbacksPath, "/tmp/cb.js"))
	assert.Equal(t, 250, m.Int(KeyInstructionsDelay, 0))
	assert.Equal(t, "/tmp/cb.js", m.String(KeyCallbacksPath, ""))

	require.NoError(t, m.Put(KeyInstructionsDelay, "soon"))
	assert.Equal(t, 3, m.Int(KeyInstructionsDelay, 3), "non-integer falls back to default")

	assert.Error(t, m.Put("k", 1.5))
}

func TestNewMemoryCopies(t *testing.T) {
	seed := map[string]string{"a": "1"}
	m := NewMemory(seed)
	seed["a"] = "2"
	assert.Equal(t, 1, m.Int("a", 0))
}

func TestFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	f, err := Open(path)
	require.NoError(t, err, "missing file is an empty store")
	assert.Equal(t, "", f.String(KeyCallbacksPath, ""))

	require.NoError(t, f.Put(KeyCallbacksPath, "/opt/hooks.lua"))
	require.NoError(t, f.Put(KeyInstructionsDelay, 10))

	again, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/hooks.lua", again.String(KeyCallbacksPath, ""))
	assert.Equal(t, 10, again.Int(KeyInstructionsDelay, 0))
	assert.Equal(t, path, again.Path())
}

func TestOpenNativeYAMLTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("emulator_instructions_delay: 40\nemulator_callbacks_path:\n"), 0o644))

	f, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 40, f.Int(KeyInstructionsDelay, 0))
	assert.Equal(t, "", f.String(KeyCallbacksPath, "unset"))
}

func TestOpenInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- not\n- a map\n"), 0o644))
	_, err := Open(path)
	assert.Error(t, err)
}
