// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a turn that could not start because provider
	// credentials or settings are missing.
	ErrConfiguration = errors.New("configuration error")
	// ErrProvider marks an upstream model failure.
	ErrProvider = errors.New("provider error")
	// ErrCancelled marks an explicitly stopped turn. It is not a failure.
	ErrCancelled = errors.New("turn cancelled")

	ErrSessionNotFound  = errors.New("session not found")
	ErrArtifactNotFound = errors.New("artifact not found")
)

// TurnError is returned by a turn that ended in ABORTED or FAILED.
type TurnError struct {
	Kind      error
	SessionID SessionID
	Err       error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session %s: %v", e.SessionID, e.Kind)
	}
	return fmt.Sprintf("session %s: %v: %v", e.SessionID, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *TurnError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewTurnError(kind error, id SessionID, err error) *TurnError {
	return &TurnError{Kind: kind, SessionID: id, Err: err}
}
