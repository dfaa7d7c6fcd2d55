// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
)

// SessionStore persists sessions. Get returns an error wrapping
// ErrSessionNotFound for unknown ids; Lookup reports absence instead.
// Update applies a partial patch and bumps UpdatedAt.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	ResolveOrCreate(ctx context.Context, key SessionKey, source Source, modelID string) (SessionID, error)
	Get(ctx context.Context, id SessionID) (*Session, error)
	Lookup(ctx context.Context, id SessionID) (*Session, bool, error)
	List(ctx context.Context) ([]*Session, error)
	Update(ctx context.Context, id SessionID, patch SessionPatch) (*Session, error)
}

// ArtifactStore keeps oversized tool outputs. Get and GetMeta return an
// error wrapping ErrArtifactNotFound for unknown ids.
type ArtifactStore interface {
	Put(ctx context.Context, sessionID SessionID, runID RunID, tool string, data any) (ArtifactID, error)
	Get(ctx context.Context, id ArtifactID) (json.RawMessage, error)
	GetMeta(ctx context.Context, id ArtifactID) (*ArtifactMeta, error)
	List(ctx context.Context, sessionID SessionID) ([]*ArtifactMeta, error)
}

type TurnLog interface {
	Append(ctx context.Context, record *TurnRecord) error
	Tail(ctx context.Context, sessionID SessionID, limit int) ([]*TurnRecord, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
}
