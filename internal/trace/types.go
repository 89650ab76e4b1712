// Package trace provides types for trace event collection and analysis.
package trace

import "time"

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Insn   Tag = "insn"
	Call   Tag = "call"
	Jump   Tag = "jump"
	Ret    Tag = "ret"
	Cond   Tag = "cond"
	Taken  Tag = "taken"
	Switch Tag = "switch"
	Read   Tag = "read"
	Write  Tag = "write"
	Fetch  Tag = "fetch"
	Mapped Tag = "mapped"
	Setup  Tag = "setup"
	Start  Tag = "start"
	Stop   Tag = "stop"
	Error  Tag = "error"
	Log    Tag = "log"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Raw returns tags as strings without # prefix.
func (t Tags) Raw() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Set adds or updates an annotation.
func (a Annotations) Set(k, v string) {
	a[k] = v
}

// Get retrieves an annotation value.
func (a Annotations) Get(k string) string {
	return a[k]
}

// Event is one engine notification.
type Event struct {
	PC          uint64      // Instruction address, or the access/range address
	Tags        Tags        // First is primary
	Name        string      // Mnemonic, access kind, or notification name
	Detail      string      // Operands, value, or message
	Annotations Annotations // Key-value metadata
	Timestamp   time.Time
}

// NewEvent creates a new trace event with the given parameters.
func NewEvent(pc uint64, category Tag, name, detail string) *Event {
	return &Event{
		PC:          pc,
		Tags:        Tags{category},
		Name:        name,
		Detail:      detail,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations.Set(k, v)
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher enriches trace events after they are built.
type Enricher func(e *Event)
