// internal/types/conversation.go
package types

import (
	"encoding/json"
	"strings"
	"time"
)

type MessageKind string

const (
	MessageUser        MessageKind = "user"
	MessageAssistant   MessageKind = "assistant"
	MessageCompaction  MessageKind = "compaction"
	MessageInterrupted MessageKind = "interrupted"
)

type UserPartType string

const (
	UserPartText           UserPartType = "text"
	UserPartImage          UserPartType = "image"
	UserPartFile           UserPartType = "file"
	UserPartInstructions   UserPartType = "instructions"
	UserPartTriggerPayload UserPartType = "trigger-payload"
)

// UserPart is one content block of a user message. Image and file parts
// carry either a URL or base64 Data.
type UserPart struct {
	Type      UserPartType `json:"type"`
	Text      string       `json:"text,omitempty"`
	URL       string       `json:"url,omitempty"`
	Data      string       `json:"data,omitempty"`
	MediaType string       `json:"media_type,omitempty"`
	Filename  string       `json:"filename,omitempty"`
}

func TextPart(text string) UserPart {
	return UserPart{Type: UserPartText, Text: text}
}

// AutomationParts builds the input of an automation turn: the task's
// instructions, then the trigger payload when there is one.
func AutomationParts(instructions, payload string) []UserPart {
	parts := []UserPart{{Type: UserPartInstructions, Text: instructions}}
	if payload != "" {
		parts = append(parts, UserPart{Type: UserPartTriggerPayload, Text: payload})
	}
	return parts
}

type AssistantPartType string

const (
	AssistantPartText     AssistantPartType = "text"
	AssistantPartThinking AssistantPartType = "thinking"
	AssistantPartToolCall AssistantPartType = "tool-call"
)

// AssistantPart is one block of an assistant message. Signature is set on
// thinking parts whose provider signs them for replay.
type AssistantPart struct {
	Type      AssistantPartType `json:"type"`
	Text      string            `json:"text,omitempty"`
	Signature string            `json:"signature,omitempty"`
	ToolCall  *ToolCallPart     `json:"tool_call,omitempty"`
}

type ToolCallStatus string

const (
	ToolCallLoading   ToolCallStatus = "loading"
	ToolCallReady     ToolCallStatus = "ready"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

func (s ToolCallStatus) rank() int {
	switch s {
	case ToolCallLoading:
		return 0
	case ToolCallReady:
		return 1
	case ToolCallCompleted, ToolCallError:
		return 2
	}
	return -1
}

// CanAdvance reports whether a part in status s may move to next.
// Completed and error are both terminal.
func (s ToolCallStatus) CanAdvance(next ToolCallStatus) bool {
	return next.rank() > s.rank()
}

// ToolCallPart is the full lifecycle state of a single tool invocation.
type ToolCallPart struct {
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Status      ToolCallStatus  `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ConversationMessage is one entry of a session's transcript. Which fields
// are populated depends on Kind.
type ConversationMessage struct {
	ID             MessageID       `json:"id"`
	Kind           MessageKind     `json:"kind"`
	CreatedAt      time.Time       `json:"created_at"`
	UserParts      []UserPart      `json:"user_parts,omitempty"`
	AssistantParts []AssistantPart `json:"assistant_parts,omitempty"`
	Cost           *float64        `json:"cost,omitempty"`
	Summary        string          `json:"summary,omitempty"`
}

func NewUserMessage(parts ...UserPart) ConversationMessage {
	return ConversationMessage{
		ID:        NewMessageID(),
		Kind:      MessageUser,
		CreatedAt: time.Now(),
		UserParts: parts,
	}
}

func NewAssistantMessage(id MessageID, at time.Time) ConversationMessage {
	return ConversationMessage{ID: id, Kind: MessageAssistant, CreatedAt: at}
}

func NewCompactionMessage(summary string) ConversationMessage {
	return ConversationMessage{
		ID:        NewMessageID(),
		Kind:      MessageCompaction,
		CreatedAt: time.Now(),
		Summary:   summary,
	}
}

func NewInterruptedMessage(at time.Time) ConversationMessage {
	return ConversationMessage{ID: NewMessageID(), Kind: MessageInterrupted, CreatedAt: at}
}

// FindToolCall returns the tool-call part with the given id, or nil.
func (m *ConversationMessage) FindToolCall(toolCallID string) *ToolCallPart {
	for i := range m.AssistantParts {
		tc := m.AssistantParts[i].ToolCall
		if tc != nil && tc.ToolCallID == toolCallID {
			return tc
		}
	}
	return nil
}

// Text concatenates the text parts of an assistant message, or the text
// parts of a user message.
func (m *ConversationMessage) Text() string {
	var sb strings.Builder
	for _, p := range m.AssistantParts {
		if p.Type == AssistantPartText {
			sb.WriteString(p.Text)
		}
	}
	for _, p := range m.UserParts {
		if p.Type == UserPartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Clone returns a deep copy of the message.
func (m ConversationMessage) Clone() ConversationMessage {
	out := m
	if m.UserParts != nil {
		out.UserParts = append([]UserPart(nil), m.UserParts...)
	}
	if m.AssistantParts != nil {
		out.AssistantParts = make([]AssistantPart, len(m.AssistantParts))
		for i, p := range m.AssistantParts {
			if p.ToolCall != nil {
				tc := *p.ToolCall
				if tc.CompletedAt != nil {
					at := *tc.CompletedAt
					tc.CompletedAt = &at
				}
				p.ToolCall = &tc
			}
			out.AssistantParts[i] = p
		}
	}
	if m.Cost != nil {
		c := *m.Cost
		out.Cost = &c
	}
	return out
}

func CloneConversation(conv []ConversationMessage) []ConversationMessage {
	if conv == nil {
		return nil
	}
	out := make([]ConversationMessage, len(conv))
	for i, m := range conv {
		out[i] = m.Clone()
	}
	return out
}
