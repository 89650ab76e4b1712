// Package config holds the operator preferences the engine reads before
// each run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Keys understood by the engine.
const (
	KeyCallbacksPath     = "emulator_callbacks_path"
	KeyInstructionsDelay = "emulator_instructions_delay"
)

// Store is a string/int key-value store.
type Store interface {
	String(key, def string) string
	Int(key string, def int) int
	Put(key string, value any) error
}

// Memory is a Store kept in memory. The zero value is ready to use.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Memory seeded with values.
func NewMemory(values map[string]string) *Memory {
	m := &Memory{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *Memory) String(key, def string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[key]; ok {
		return v
	}
	return def
}

// Int parses the stored value. Values that are not integers yield def.
func (m *Memory) Int(key string, def int) int {
	s := m.String(key, "")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func (m *Memory) Put(key string, value any) error {
	s, err := format(value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = s
	return nil
}

func (m *Memory) snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

func format(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return "", fmt.Errorf("unsupported value type %T", value)
}

// File is a Store persisted as a flat YAML mapping. Every Put rewrites
// the file.
type File struct {
	Memory
	path string
}

var _ Store = (*File)(nil)

// DefaultPath returns $XDG_CONFIG_HOME/ucstep/config.yaml or the platform
// equivalent.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ucstep", "config.yaml"), nil
}

// Open loads path. A missing file is an empty store.
func Open(path string) (*File, error) {
	f := &File{path: path}
	f.values = make(map[string]string)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for k, v := range raw {
		if v == nil {
			f.values[k] = ""
			continue
		}
		f.values[k] = fmt.Sprint(v)
	}
	return f, nil
}

// Path is the backing file.
func (f *File) Path() string { return f.path }

func (f *File) Put(key string, value any) error {
	if err := f.Memory.Put(key, value); err != nil {
		return err
	}
	return f.save()
}

func (f *File) save() error {
	data, err := yaml.Marshal(f.snapshot())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
