// internal/state/session.go
package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/turnstile/internal/types"
)

// SessionStore is a JSON-file-backed session store. Each session lives in
// sessions/<sessionID>/session.json; sessions/sessions.json maps session
// keys to ids.
type SessionStore struct {
	root string
	mu   sync.RWMutex
}

type indexEntry struct {
	SessionKey types.SessionKey `json:"session_key"`
	SessionID  types.SessionID  `json:"session_id"`
}

// NewSessionStore creates a new file-backed SessionStore rooted at the given directory.
func NewSessionStore(root string) *SessionStore {
	return &SessionStore{root: root}
}

func (s *SessionStore) indexPath() string {
	return filepath.Join(s.root, "sessions", "sessions.json")
}

func (s *SessionStore) sessionPath(id types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(id), "session.json")
}

func (s *SessionStore) loadIndex() (map[types.SessionKey]types.SessionID, error) {
	var entries []indexEntry
	if err := readJSON(s.indexPath(), &entries); err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionKey]types.SessionID), nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}
	index := make(map[types.SessionKey]types.SessionID, len(entries))
	for _, e := range entries {
		index[e.SessionKey] = e.SessionID
	}
	return index, nil
}

func (s *SessionStore) saveIndex(index map[types.SessionKey]types.SessionID) error {
	entries := make([]indexEntry, 0, len(index))
	for k, id := range index {
		entries = append(entries, indexEntry{SessionKey: k, SessionID: id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SessionKey < entries[j].SessionKey })
	return writeJSONAtomic(s.indexPath(), entries)
}

func (s *SessionStore) load(id types.SessionID) (*types.Session, error) {
	var session types.Session
	if err := readJSON(s.sessionPath(id), &session); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
		}
		return nil, err
	}
	if session.Conversation == nil {
		session.Conversation = []types.ConversationMessage{}
	}
	return &session, nil
}

// Create stores a new session. A non-empty key is indexed and must be
// unused.
func (s *SessionStore) Create(_ context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.sessionPath(session.ID)); err == nil {
		return fmt.Errorf("session already exists: %s", session.ID)
	}
	if session.Key != "" {
		index, err := s.loadIndex()
		if err != nil {
			return err
		}
		if _, ok := index[session.Key]; ok {
			return fmt.Errorf("session key already in use: %s", session.Key)
		}
		index[session.Key] = session.ID
		if err := s.saveIndex(index); err != nil {
			return err
		}
	}

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	return writeJSONAtomic(s.sessionPath(session.ID), session)
}

// ResolveOrCreate returns the SessionID for the given key, creating a new
// RUNNING session if needed.
func (s *SessionStore) ResolveOrCreate(_ context.Context, key types.SessionKey, source types.Source, modelID string) (types.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	if id, ok := index[key]; ok {
		if _, err := os.Stat(s.sessionPath(id)); err == nil {
			return id, nil
		}
	}

	session := types.NewSession(key, source, modelID)
	if err := writeJSONAtomic(s.sessionPath(session.ID), session); err != nil {
		return "", err
	}
	index[key] = session.ID
	if err := s.saveIndex(index); err != nil {
		return "", err
	}
	return session.ID, nil
}

// Get returns the session with the given ID, or an error wrapping
// types.ErrSessionNotFound.
func (s *SessionStore) Get(_ context.Context, id types.SessionID) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(id)
}

func (s *SessionStore) Lookup(ctx context.Context, id types.SessionID) (*types.Session, bool, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return session, true, nil
}

// List returns all sessions, most recently updated first.
func (s *SessionStore) List(_ context.Context) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.root, "sessions", "*", "session.json"))
	if err != nil {
		return nil, fmt.Errorf("glob sessions: %w", err)
	}
	sessions := make([]*types.Session, 0, len(matches))
	for _, path := range matches {
		id := types.SessionID(filepath.Base(filepath.Dir(path)))
		session, err := s.load(id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt) })
	return sessions, nil
}

// Update applies patch to the stored session and sets UpdatedAt to now.
func (s *SessionStore) Update(_ context.Context, id types.SessionID, patch types.SessionPatch) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.load(id)
	if err != nil {
		return nil, err
	}
	patch.Apply(session)
	session.UpdatedAt = time.Now()
	if err := writeJSONAtomic(s.sessionPath(id), session); err != nil {
		return nil, err
	}
	return session, nil
}

// Delete removes a session, its turn log and its artifacts, and drops its
// key from the index.
func (s *SessionStore) Delete(_ context.Context, id types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(id); err != nil {
		return err
	}
	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	for key, sid := range index {
		if sid == id {
			delete(index, key)
		}
	}
	if err := s.saveIndex(index); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Dir(s.sessionPath(id))); err != nil {
		return fmt.Errorf("remove session %s: %w", id, err)
	}
	return nil
}
