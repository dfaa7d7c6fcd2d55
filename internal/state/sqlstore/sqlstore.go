// Package sqlstore is a gorm-backed SessionStore for sqlite and mysql.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/user/turnstile/internal/types"
)

// SessionRow is the table model. Conversation and todos are stored as JSON
// text; the key is nullable so keyless sessions don't collide on the unique
// index.
type SessionRow struct {
	ID           string  `gorm:"primaryKey;size:64"`
	SessionKey   *string `gorm:"size:255;uniqueIndex"`
	Conversation string  `gorm:"type:longtext;not null"`
	Status       string  `gorm:"size:16;not null;index"`
	IsStreaming  bool
	Cost         float64
	ModelID      string `gorm:"size:128"`
	Source       string `gorm:"size:16;index"`
	Todos        string `gorm:"type:longtext"`
	AgentID      string `gorm:"size:128"`
	CreatedAt    time.Time
	UpdatedAt    time.Time `gorm:"index"`
}

func (SessionRow) TableName() string { return "sessions" }

// Store implements types.SessionStore on top of gorm.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

var _ types.SessionStore = (*Store)(nil)

// Open connects with the named driver ("sqlite" or "mysql") and migrates
// the sessions table.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the sessions table.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&SessionRow{}); err != nil {
		return nil, fmt.Errorf("sqlstore: auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(session *types.Session) (*SessionRow, error) {
	conv := session.Conversation
	if conv == nil {
		conv = []types.ConversationMessage{}
	}
	convJSON, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation: %w", err)
	}
	var todos string
	if session.Todos != nil {
		data, err := json.Marshal(session.Todos)
		if err != nil {
			return nil, fmt.Errorf("marshal todos: %w", err)
		}
		todos = string(data)
	}
	row := &SessionRow{
		ID:           string(session.ID),
		Conversation: string(convJSON),
		Status:       string(session.Status),
		IsStreaming:  session.IsStreaming,
		Cost:         session.Cost,
		ModelID:      session.ModelID,
		Source:       string(session.Source),
		Todos:        todos,
		AgentID:      session.AgentID,
		CreatedAt:    session.CreatedAt,
		UpdatedAt:    session.UpdatedAt,
	}
	if session.Key != "" {
		key := string(session.Key)
		row.SessionKey = &key
	}
	return row, nil
}

func fromRow(row *SessionRow) (*types.Session, error) {
	session := &types.Session{
		ID:           types.SessionID(row.ID),
		Conversation: []types.ConversationMessage{},
		Status:       types.Status(row.Status),
		IsStreaming:  row.IsStreaming,
		Cost:         row.Cost,
		ModelID:      row.ModelID,
		Source:       types.Source(row.Source),
		AgentID:      row.AgentID,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	if row.SessionKey != nil {
		session.Key = types.SessionKey(*row.SessionKey)
	}
	if row.Conversation != "" {
		if err := json.Unmarshal([]byte(row.Conversation), &session.Conversation); err != nil {
			return nil, fmt.Errorf("unmarshal conversation for %s: %w", row.ID, err)
		}
	}
	if row.Todos != "" {
		if err := json.Unmarshal([]byte(row.Todos), &session.Todos); err != nil {
			return nil, fmt.Errorf("unmarshal todos for %s: %w", row.ID, err)
		}
	}
	return session, nil
}

func (s *Store) Create(ctx context.Context, session *types.Session) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	row, err := toRow(session)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("sqlstore: create session %s: %w", session.ID, err)
	}
	return nil
}

func (s *Store) ResolveOrCreate(ctx context.Context, key types.SessionKey, source types.Source, modelID string) (types.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row SessionRow
	err := s.db.WithContext(ctx).Where("session_key = ?", string(key)).First(&row).Error
	if err == nil {
		return types.SessionID(row.ID), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("sqlstore: resolve %s: %w", key, err)
	}

	session := types.NewSession(key, source, modelID)
	if err := s.Create(ctx, session); err != nil {
		return "", err
	}
	return session.ID, nil
}

func (s *Store) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	var row SessionRow
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get %s: %w", id, err)
	}
	return fromRow(&row)
}

func (s *Store) Lookup(ctx context.Context, id types.SessionID) (*types.Session, bool, error) {
	session, err := s.Get(ctx, id)
	if errors.Is(err, types.ErrSessionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// List returns all sessions, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*types.Session, error) {
	var rows []SessionRow
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: list sessions: %w", err)
	}
	sessions := make([]*types.Session, 0, len(rows))
	for i := range rows {
		session, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// Update applies patch inside a transaction and bumps UpdatedAt.
func (s *Store) Update(ctx context.Context, id types.SessionID, patch types.SessionPatch) (*types.Session, error) {
	var updated *types.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row SessionRow
		err := tx.Where("id = ?", string(id)).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
		}
		if err != nil {
			return err
		}
		session, err := fromRow(&row)
		if err != nil {
			return err
		}
		patch.Apply(session)
		session.UpdatedAt = time.Now()

		next, err := toRow(session)
		if err != nil {
			return err
		}
		if err := tx.Save(next).Error; err != nil {
			return err
		}
		updated = session
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlstore: update %s: %w", id, err)
	}
	return updated, nil
}

// Delete removes the session row.
func (s *Store) Delete(ctx context.Context, id types.SessionID) error {
	res := s.db.WithContext(ctx).Where("id = ?", string(id)).Delete(&SessionRow{})
	if res.Error != nil {
		return fmt.Errorf("sqlstore: delete %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	return nil
}
