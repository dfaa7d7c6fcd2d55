// internal/state/turnlog.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/turnstile/internal/types"
)

// TurnLog is a JSONL-backed append-only log of finished turns.
// Records are stored per-session in sessions/<sessionID>/turns.jsonl.
type TurnLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewTurnLog creates a new file-backed TurnLog rooted at the given directory.
func NewTurnLog(root string) *TurnLog {
	return &TurnLog{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (l *TurnLog) getLock(sessionID types.SessionID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lock, ok := l.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	l.locks[sessionID] = lock
	return lock
}

func (l *TurnLog) path(sessionID types.SessionID) string {
	return filepath.Join(l.root, "sessions", string(sessionID), "turns.jsonl")
}

// Append writes one record to the session's log.
func (l *TurnLog) Append(_ context.Context, record *types.TurnRecord) error {
	lock := l.getLock(record.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path(record.SessionID)), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal turn record: %w", err)
	}

	f, err := os.OpenFile(l.path(record.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open turn log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write turn record: %w", err)
	}
	return nil
}

// scan calls fn for every record in the session's log. Caller must hold the
// session lock.
func (l *TurnLog) scan(sessionID types.SessionID, fn func(*types.TurnRecord)) error {
	f, err := os.Open(l.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open turn log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record types.TurnRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return fmt.Errorf("unmarshal turn record: %w", err)
		}
		fn(&record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan turn log: %w", err)
	}
	return nil
}

// Tail returns the last limit records for the given session, oldest first.
func (l *TurnLog) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]*types.TurnRecord, error) {
	lock := l.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var records []*types.TurnRecord
	err := l.scan(sessionID, func(r *types.TurnRecord) {
		records = append(records, r)
		if limit > 0 && len(records) > limit {
			records = records[1:]
		}
	})
	return records, err
}

// Count returns the number of records for the given session.
func (l *TurnLog) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := l.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var n int64
	err := l.scan(sessionID, func(*types.TurnRecord) { n++ })
	return n, err
}
