package facematch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedLabel is returned when an identity label lacks the
// "<enrollment-id>_<display-name>" shape.
var ErrMalformedLabel = errors.New("malformed identity label")

// Label is the composite identity key "<enrollment-id>_<display-name>".
type Label string

// Identity is a parsed Label.
type Identity struct {
	EnrollmentID string
	// Name is the raw name segment, underscores preserved.
	Name string
}

// ParseLabel splits a label on its first underscore. The display name may
// itself contain underscores.
func ParseLabel(label Label) (Identity, error) {
	id, name, ok := strings.Cut(string(label), "_")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return Identity{}, fmt.Errorf("%w: %q", ErrMalformedLabel, string(label))
	}
	return Identity{EnrollmentID: id, Name: name}, nil
}

// MakeLabel composes a label from an enrollment id and a display name.
// Spaces in the name become underscores, mirroring the on-disk folder names.
func MakeLabel(enrollmentID, displayName string) (Label, error) {
	enrollmentID = strings.TrimSpace(enrollmentID)
	if enrollmentID == "" || strings.Contains(enrollmentID, "_") {
		return "", fmt.Errorf("%w: invalid enrollment id %q", ErrMalformedLabel, enrollmentID)
	}
	name := strings.Join(strings.Fields(displayName), "_")
	return Label(enrollmentID + "_" + name), nil
}

// DisplayName renders the name segment for people: underscores become spaces.
func (i Identity) DisplayName() string {
	return strings.TrimSpace(strings.ReplaceAll(i.Name, "_", " "))
}

// Label recomposes the identity label.
func (i Identity) Label() Label {
	return Label(i.EnrollmentID + "_" + i.Name)
}
