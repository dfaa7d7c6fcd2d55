// internal/types/updates.go
package types

import (
	"encoding/json"
	"time"
)

type UpdateType string

const (
	UpdateSession    UpdateType = "session-update"
	UpdateDelta      UpdateType = "streaming-delta"
	UpdateCompaction UpdateType = "compaction"
)

// StreamingUpdate is one increment of turn progress. It is never stored;
// only its effect on the Session is. Implementations are SessionUpdate,
// StreamingDelta and CompactionUpdate.
type StreamingUpdate interface {
	Session() SessionID
	Type() UpdateType
	isStreamingUpdate()
}

// SessionUpdate changes session-level fields. Nil fields are unchanged.
type SessionUpdate struct {
	SessionID   SessionID `json:"-"`
	Status      *Status   `json:"status,omitempty"`
	IsStreaming *bool     `json:"is_streaming,omitempty"`
	Cost        *float64  `json:"cost,omitempty"`
	Todos       *[]Todo   `json:"todos,omitempty"`
}

// StreamingDelta targets one message of the conversation by id.
type StreamingDelta struct {
	SessionID SessionID `json:"-"`
	MessageID MessageID `json:"message_id"`
	Delta     Delta     `json:"-"`
}

// CompactionUpdate appends a compaction marker to the conversation.
type CompactionUpdate struct {
	SessionID SessionID           `json:"-"`
	Message   ConversationMessage `json:"message"`
}

func (u SessionUpdate) Session() SessionID    { return u.SessionID }
func (u StreamingDelta) Session() SessionID   { return u.SessionID }
func (u CompactionUpdate) Session() SessionID { return u.SessionID }

func (SessionUpdate) Type() UpdateType    { return UpdateSession }
func (StreamingDelta) Type() UpdateType   { return UpdateDelta }
func (CompactionUpdate) Type() UpdateType { return UpdateCompaction }

func (SessionUpdate) isStreamingUpdate()    {}
func (StreamingDelta) isStreamingUpdate()   {}
func (CompactionUpdate) isStreamingUpdate() {}

type DeltaType string

const (
	DeltaMessageStarted    DeltaType = "message-started"
	DeltaText              DeltaType = "text"
	DeltaReasoning         DeltaType = "reasoning"
	DeltaToolCallStarted   DeltaType = "tool-call-started"
	DeltaToolCallReady     DeltaType = "tool-call-ready"
	DeltaToolCallCompleted DeltaType = "tool-call-completed"
	DeltaToolCallFailed    DeltaType = "tool-call-failed"
	DeltaMessageFinished   DeltaType = "message-finished"
	DeltaUserMessage       DeltaType = "user-message"
	DeltaTurnInterrupted   DeltaType = "turn-interrupted"
)

// Delta is the payload of a StreamingDelta.
type Delta interface {
	DeltaType() DeltaType
	isDelta()
}

// MessageStarted opens a new assistant message with the delta's MessageID.
type MessageStarted struct {
	At time.Time `json:"at"`
}

type TextDelta struct {
	Text string `json:"text"`
}

type ReasoningDelta struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

type ToolCallStarted struct {
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	At         time.Time `json:"at"`
}

type ToolCallReadyDelta struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input"`
	At         time.Time       `json:"at"`
}

type ToolCallCompletedDelta struct {
	ToolCallID string          `json:"tool_call_id"`
	Output     json.RawMessage `json:"output"`
	At         time.Time       `json:"at"`
}

type ToolCallFailed struct {
	ToolCallID string    `json:"tool_call_id"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

// MessageFinished closes an assistant message and records its cost.
type MessageFinished struct {
	Cost float64 `json:"cost"`
}

// UserMessageAppended appends Message, whose ID matches the delta's.
type UserMessageAppended struct {
	Message ConversationMessage `json:"message"`
}

// TurnInterrupted appends an interrupted marker after a cancelled turn.
type TurnInterrupted struct {
	At time.Time `json:"at"`
}

func (MessageStarted) DeltaType() DeltaType         { return DeltaMessageStarted }
func (TextDelta) DeltaType() DeltaType              { return DeltaText }
func (ReasoningDelta) DeltaType() DeltaType         { return DeltaReasoning }
func (ToolCallStarted) DeltaType() DeltaType        { return DeltaToolCallStarted }
func (ToolCallReadyDelta) DeltaType() DeltaType     { return DeltaToolCallReady }
func (ToolCallCompletedDelta) DeltaType() DeltaType { return DeltaToolCallCompleted }
func (ToolCallFailed) DeltaType() DeltaType         { return DeltaToolCallFailed }
func (MessageFinished) DeltaType() DeltaType        { return DeltaMessageFinished }
func (UserMessageAppended) DeltaType() DeltaType    { return DeltaUserMessage }
func (TurnInterrupted) DeltaType() DeltaType        { return DeltaTurnInterrupted }

func (MessageStarted) isDelta()         {}
func (TextDelta) isDelta()              {}
func (ReasoningDelta) isDelta()         {}
func (ToolCallStarted) isDelta()        {}
func (ToolCallReadyDelta) isDelta()     {}
func (ToolCallCompletedDelta) isDelta() {}
func (ToolCallFailed) isDelta()         {}
func (MessageFinished) isDelta()        {}
func (UserMessageAppended) isDelta()    {}
func (TurnInterrupted) isDelta()        {}

// envelope is the transport shape shared by every update kind.
type envelope struct {
	Type      UpdateType `json:"type"`
	SessionID SessionID  `json:"session_id"`
	Payload   any        `json:"payload"`
}

type deltaPayload struct {
	MessageID MessageID `json:"message_id"`
	DeltaType DeltaType `json:"delta_type"`
	Delta     Delta     `json:"delta"`
}

func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	type plain SessionUpdate
	return json.Marshal(envelope{Type: UpdateSession, SessionID: u.SessionID, Payload: plain(u)})
}

func (u StreamingDelta) MarshalJSON() ([]byte, error) {
	var dt DeltaType
	if u.Delta != nil {
		dt = u.Delta.DeltaType()
	}
	return json.Marshal(envelope{
		Type:      UpdateDelta,
		SessionID: u.SessionID,
		Payload:   deltaPayload{MessageID: u.MessageID, DeltaType: dt, Delta: u.Delta},
	})
}

func (u CompactionUpdate) MarshalJSON() ([]byte, error) {
	type plain CompactionUpdate
	return json.Marshal(envelope{Type: UpdateCompaction, SessionID: u.SessionID, Payload: plain(u)})
}
