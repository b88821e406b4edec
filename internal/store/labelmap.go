package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/kozaktomas/face-attendance/internal/facematch"
)

// errNotInjective reports two labels sharing one index.
var errNotInjective = errors.New("label map is not injective")

// LabelMap is the bijection between Label Index and Identity Label.
type LabelMap struct {
	byIndex map[int]facematch.Label
	byLabel map[facematch.Label]int
	next    int
}

// NewLabelMap creates an empty label map.
func NewLabelMap() *LabelMap {
	return &LabelMap{
		byIndex: make(map[int]facematch.Label),
		byLabel: make(map[facematch.Label]int),
	}
}

// Assign returns the index of label, assigning the next unused index when the
// label has not been seen before.
func (m *LabelMap) Assign(label facematch.Label) int {
	if idx, ok := m.byLabel[label]; ok {
		return idx
	}
	idx := m.next
	m.byIndex[idx] = label
	m.byLabel[label] = idx
	m.next++
	return idx
}

// Add inserts an explicit pair. It fails if either side is already mapped to
// something else.
func (m *LabelMap) Add(label facematch.Label, index int) error {
	if index < 0 {
		return fmt.Errorf("negative label index %d for %q", index, label)
	}
	if existing, ok := m.byIndex[index]; ok && existing != label {
		return fmt.Errorf("%w: index %d used by %q and %q", errNotInjective, index, existing, label)
	}
	if existing, ok := m.byLabel[label]; ok && existing != index {
		return fmt.Errorf("label %q mapped to both %d and %d", label, existing, index)
	}
	m.byIndex[index] = label
	m.byLabel[label] = index
	if index >= m.next {
		m.next = index + 1
	}
	return nil
}

// Label returns the label for an index.
func (m *LabelMap) Label(index int) (facematch.Label, bool) {
	label, ok := m.byIndex[index]
	return label, ok
}

// Index returns the index of a label.
func (m *LabelMap) Index(label facematch.Label) (int, bool) {
	idx, ok := m.byLabel[label]
	return idx, ok
}

// Len returns the number of mapped labels.
func (m *LabelMap) Len() int {
	return len(m.byIndex)
}

// Indices returns all mapped indices in ascending order.
func (m *LabelMap) Indices() []int {
	out := make([]int, 0, len(m.byIndex))
	for idx := range m.byIndex {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// FindEnrollment returns the label whose enrollment id equals id.
func (m *LabelMap) FindEnrollment(id string) (facematch.Label, bool) {
	for _, idx := range m.Indices() {
		label := m.byIndex[idx]
		parsed, err := facematch.ParseLabel(label)
		if err == nil && parsed.EnrollmentID == id {
			return label, true
		}
	}
	return "", false
}

// MarshalJSON writes {"<label>": <index>, ...} ordered by index.
func (m *LabelMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, idx := range m.Indices() {
		if i > 0 {
			buf.WriteString(", ")
		}
		key, err := json.Marshal(string(m.byIndex[idx]))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		fmt.Fprintf(&buf, ": %d", idx)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the label map file format.
func (m *LabelMap) UnmarshalJSON(data []byte) error {
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	fresh := NewLabelMap()
	labels := make([]string, 0, len(raw))
	for label := range raw {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		if err := fresh.Add(facematch.Label(label), raw[label]); err != nil {
			return err
		}
	}

	*m = *fresh
	return nil
}
