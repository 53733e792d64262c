// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const MaxNameLen = 36

var (
	ErrNameTooLong = errors.New("display name too long")
	ErrNameEmpty   = errors.New("display name empty")
)

type ParticipantID string

// Identity is the local participant: a stable generated id plus the
// display name the user entered. The id survives sessions; the name only
// changes by explicit re-entry.
type Identity struct {
	ID   ParticipantID `json:"id"`
	Name string        `json:"name"`
}

// NewIdentity is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewIdentity(name string) (Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Identity{}, ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return Identity{}, ErrNameTooLong
	}
	return Identity{ID: ParticipantID(uuid.NewString()), Name: name}, nil
}

func (i Identity) Valid() bool { return i.ID != "" && i.Name != "" }
