// Package state stores sessions, scheduled tasks, tool artifacts and the
// turn log as JSON files under the data directory. Package sqlstore holds
// the database-backed session store.
package state

import "github.com/user/turnstile/internal/types"

var (
	_ types.SessionStore  = (*SessionStore)(nil)
	_ types.TurnLog       = (*TurnLog)(nil)
	_ types.ArtifactStore = (*ArtifactStore)(nil)
)
