package live

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/ucstep/internal/arch"
)

// Snapshot is a captured process: threads and memory held in memory. It
// can be built programmatically or loaded from a YAML document.
type Snapshot struct {
	image
	arch    arch.Arch
	current int
	threads map[int]*Thread
}

var _ Process = (*Snapshot)(nil)

// NewSnapshot creates an empty snapshot whose current thread is current.
func NewSnapshot(a arch.Arch, current int) *Snapshot {
	return &Snapshot{arch: a, current: current, threads: make(map[int]*Thread)}
}

func (s *Snapshot) Arch() arch.Arch    { return s.arch }
func (s *Snapshot) CurrentThread() int { return s.current }

// AddThread adds or replaces a thread. Register names are canonicalized.
func (s *Snapshot) AddThread(t Thread) {
	t.Registers = canonicalRegisters(s.arch, t.Registers)
	s.threads[t.ID] = &t
}

// AddRegion adds a region initialized with data, zero-filled up to size.
func (s *Snapshot) AddRegion(base, size uint64, data []byte) error {
	if uint64(len(data)) > size {
		return fmt.Errorf("region at %#x: %d bytes of data exceed size %#x", base, len(data), size)
	}
	return s.add(base, size, data)
}

// Threads lists the thread ids in ascending order.
func (s *Snapshot) Threads() []int {
	tids := make([]int, 0, len(s.threads))
	for tid := range s.threads {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids
}

func (s *Snapshot) Thread(tid int) (*Thread, error) {
	t, ok := s.threads[tid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoThread, tid)
	}
	return t.clone(), nil
}

type snapshotDoc struct {
	Arch    string      `yaml:"arch"`
	Thread  int         `yaml:"thread"`
	Threads []threadDoc `yaml:"threads"`
	Regions []regionDoc `yaml:"regions"`
}

type threadDoc struct {
	TID       int               `yaml:"tid"`
	Native    bool              `yaml:"native"`
	Thumb     bool              `yaml:"thumb,omitempty"`
	Registers map[string]uint64 `yaml:"registers"`
}

type regionDoc struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
	Data string `yaml:"data,omitempty"`
}

// LoadSnapshot reads a YAML snapshot file.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return ParseSnapshot(f)
}

// ParseSnapshot decodes a YAML snapshot. Region data is hex encoded and
// may contain whitespace.
func ParseSnapshot(r io.Reader) (*Snapshot, error) {
	var doc snapshotDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	a, ok := arch.FromProcessName(doc.Arch)
	if !ok {
		return nil, fmt.Errorf("snapshot: unknown arch %q", doc.Arch)
	}

	s := NewSnapshot(a, doc.Thread)
	for _, t := range doc.Threads {
		s.AddThread(Thread{ID: t.TID, Native: t.Native, Thumb: t.Thumb, Registers: t.Registers})
	}
	for _, rd := range doc.Regions {
		data, err := hex.DecodeString(strings.Join(strings.Fields(rd.Data), ""))
		if err != nil {
			return nil, fmt.Errorf("region at %#x: %w", rd.Base, err)
		}
		size := rd.Size
		if size == 0 {
			size = uint64(len(data))
		}
		if err := s.AddRegion(rd.Base, size, data); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Encode writes the snapshot as YAML.
func (s *Snapshot) Encode(w io.Writer) error {
	doc := snapshotDoc{Arch: s.arch.String(), Thread: s.current}
	if s.arch == arch.A32Thumb {
		doc.Arch = "arm"
	}

	for _, tid := range s.Threads() {
		t := s.threads[tid]
		doc.Threads = append(doc.Threads, threadDoc{TID: t.ID, Native: t.Native, Thumb: t.Thumb, Registers: t.Registers})
	}
	for _, r := range s.regions {
		doc.Regions = append(doc.Regions, regionDoc{Base: r.Base, Size: r.Size, Data: hex.EncodeToString(r.data)})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return enc.Close()
}
