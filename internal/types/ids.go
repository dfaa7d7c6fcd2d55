// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionKey string
type SessionID string
type RunID string
type MessageID string
type ArtifactID string

// Every id is a random UUID rendered as a string.
func newID[T ~string]() T { return T(uuid.NewString()) }

func NewSessionID() SessionID   { return newID[SessionID]() }
func NewRunID() RunID           { return newID[RunID]() }
func NewMessageID() MessageID   { return newID[MessageID]() }
func NewArtifactID() ArtifactID { return newID[ArtifactID]() }

func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}

// Prefix returns the channel portion of the key ("telegram" for
// "telegram:1:2"), or the whole key when it has no separator.
func (k SessionKey) Prefix() string {
	if i := strings.IndexByte(string(k), ':'); i >= 0 {
		return string(k)[:i]
	}
	return string(k)
}
