// Package domain contains entities without logic, just meta-data
package domain

import (
	"strings"

	"github.com/google/uuid"
)

// ConnectionID correlates every signaling message with one session.
type ConnectionID string

// NewConnectionID returns a fresh random identifier for a session.
func NewConnectionID() ConnectionID {
	return ConnectionID(strings.ToLower(uuid.NewString()))
}

func (id ConnectionID) String() string { return string(id) }

// IsZero reports whether no identifier has been assigned.
func (id ConnectionID) IsZero() bool { return id == "" }
