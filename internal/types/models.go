// internal/types/models.go
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusNeedsYou Status = "NEEDS_YOU"
	StatusClosed   Status = "CLOSED"
)

// Source is the channel a session originates from. It decides which tools
// are visible and whether pending questions halt a turn.
type Source string

const (
	SourceMain       Source = "MAIN"
	SourceAutomation Source = "AUTOMATION"
	SourceTelegram   Source = "TELEGRAM"
)

// ParseSource accepts any casing of a known source.
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToUpper(strings.TrimSpace(s))); src {
	case SourceMain, SourceAutomation, SourceTelegram:
		return src, nil
	}
	return "", fmt.Errorf("unknown session source: %q", s)
}

type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

type Todo struct {
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// Session is the aggregate root for one conversation.
type Session struct {
	ID           SessionID             `json:"id"`
	Key          SessionKey            `json:"key,omitempty"`
	Conversation []ConversationMessage `json:"conversation"`
	Status       Status                `json:"status"`
	IsStreaming  bool                  `json:"is_streaming"`
	Cost         float64               `json:"cost"`
	ModelID      string                `json:"model_id"`
	Source       Source                `json:"source"`
	Todos        []Todo                `json:"todos,omitempty"`
	AgentID      string                `json:"agent_id,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// NewSession returns a RUNNING session with an empty conversation.
func NewSession(key SessionKey, source Source, modelID string) *Session {
	now := time.Now()
	return &Session{
		ID:           NewSessionID(),
		Key:          key,
		Conversation: []ConversationMessage{},
		Status:       StatusRunning,
		ModelID:      modelID,
		Source:       source,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s *Session) Clone() *Session {
	out := *s
	out.Conversation = CloneConversation(s.Conversation)
	if s.Todos != nil {
		out.Todos = append([]Todo(nil), s.Todos...)
	}
	return &out
}

// LastMessage returns the final conversation entry, or nil.
func (s *Session) LastMessage() *ConversationMessage {
	if len(s.Conversation) == 0 {
		return nil
	}
	return &s.Conversation[len(s.Conversation)-1]
}

// SessionPatch is a field-level partial update. Nil fields are left as-is.
type SessionPatch struct {
	Conversation *[]ConversationMessage
	Status       *Status
	IsStreaming  *bool
	Cost         *float64
	ModelID      *string
	Todos        *[]Todo
	AgentID      *string
}

func (p SessionPatch) IsEmpty() bool {
	return p.Conversation == nil && p.Status == nil && p.IsStreaming == nil &&
		p.Cost == nil && p.ModelID == nil && p.Todos == nil && p.AgentID == nil
}

// Apply copies every set field into s. It does not touch UpdatedAt; stores
// own that.
func (p SessionPatch) Apply(s *Session) {
	if p.Conversation != nil {
		s.Conversation = CloneConversation(*p.Conversation)
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.IsStreaming != nil {
		s.IsStreaming = *p.IsStreaming
	}
	if p.Cost != nil {
		s.Cost = *p.Cost
	}
	if p.ModelID != nil {
		s.ModelID = *p.ModelID
	}
	if p.Todos != nil {
		s.Todos = append([]Todo(nil), (*p.Todos)...)
	}
	if p.AgentID != nil {
		s.AgentID = *p.AgentID
	}
}

// InboundEvent is a trigger from any source asking for a turn.
type InboundEvent struct {
	Source     Source          `json:"source"`
	SessionKey SessionKey      `json:"session_key"`
	UserID     string          `json:"user_id"`
	Text       string          `json:"text"`
	Parts      []UserPart      `json:"parts,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// UserParts returns the parts to append for this event: Parts when set,
// otherwise a single text part.
func (e *InboundEvent) UserParts() []UserPart {
	if len(e.Parts) > 0 {
		return e.Parts
	}
	return []UserPart{TextPart(e.Text)}
}

// ArtifactMeta describes a tool output kept out of the conversation. Size
// is the length of the stored JSON data in bytes.
type ArtifactMeta struct {
	ID        ArtifactID `json:"id"`
	SessionID SessionID  `json:"session_id"`
	RunID     RunID      `json:"run_id"`
	Tool      string     `json:"tool"`
	CreatedAt time.Time  `json:"created_at"`
	MimeType  string     `json:"mime_type,omitempty"`
	Size      int        `json:"size"`
}

// TurnRecord summarises one finished turn for the turn log.
type TurnRecord struct {
	RunID        RunID     `json:"run_id"`
	SessionID    SessionID `json:"session_id"`
	State        string    `json:"state"`
	Steps        int       `json:"steps"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Compactions  int       `json:"compactions,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}
