package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/turnstile/internal/types"
)

// Broadcaster fans updates out to subscribers. Failures are the
// broadcaster's problem; the projector only logs them.
type Broadcaster interface {
	Broadcast(update types.StreamingUpdate) error
}

// Projector applies streaming updates to an in-memory session, persists the
// significant ones and broadcasts every update. It must only be used by the
// goroutine holding the session's lane.
type Projector struct {
	sessions types.SessionStore
	sink     Broadcaster
}

// NewProjector creates a Projector. sink may be nil.
func NewProjector(sessions types.SessionStore, sink Broadcaster) *Projector {
	return &Projector{sessions: sessions, sink: sink}
}

// Apply mutates session according to update. Session-level changes always
// persist; conversation deltas persist only when they add a part or
// message, or finish a tool call. A persistence error is returned and the
// update is not broadcast.
func (p *Projector) Apply(ctx context.Context, session *types.Session, update types.StreamingUpdate) error {
	var (
		patch   types.SessionPatch
		persist bool
	)
	switch u := update.(type) {
	case types.SessionUpdate:
		if u.Status != nil {
			session.Status = *u.Status
		}
		if u.IsStreaming != nil {
			session.IsStreaming = *u.IsStreaming
		}
		if u.Cost != nil {
			session.Cost = *u.Cost
		}
		if u.Todos != nil {
			session.Todos = append([]types.Todo(nil), (*u.Todos)...)
		}
		patch = types.SessionPatch{Status: u.Status, IsStreaming: u.IsStreaming, Cost: u.Cost, Todos: u.Todos}
		persist = !patch.IsEmpty()
	case types.CompactionUpdate:
		session.Conversation = append(session.Conversation, u.Message)
		patch.Conversation = &session.Conversation
		persist = true
	case types.StreamingDelta:
		var err error
		persist, err = applyDelta(session, u)
		if err != nil {
			return err
		}
		patch.Conversation = &session.Conversation
	default:
		return fmt.Errorf("unknown update type %T", update)
	}

	if persist {
		if _, err := p.sessions.Update(ctx, session.ID, patch); err != nil {
			return fmt.Errorf("persist %s: %w", update.Type(), err)
		}
	}
	p.broadcast(update)
	return nil
}

func (p *Projector) broadcast(update types.StreamingUpdate) {
	if p.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("broadcast panicked", "session_id", string(update.Session()), "panic", r)
		}
	}()
	if err := p.sink.Broadcast(update); err != nil {
		slog.Warn("broadcast failed", "session_id", string(update.Session()), "type", string(update.Type()), "error", err)
	}
}

// applyDelta merges d into the conversation and reports whether the change
// is worth persisting.
func applyDelta(session *types.Session, d types.StreamingDelta) (bool, error) {
	switch delta := d.Delta.(type) {
	case types.MessageStarted:
		session.Conversation = append(session.Conversation, types.NewAssistantMessage(d.MessageID, delta.At))
		return true, nil

	case types.UserMessageAppended:
		msg := delta.Message
		msg.ID = d.MessageID
		session.Conversation = append(session.Conversation, msg)
		return true, nil

	case types.TurnInterrupted:
		msg := types.NewInterruptedMessage(delta.At)
		msg.ID = d.MessageID
		session.Conversation = append(session.Conversation, msg)
		return true, nil
	}

	msg := findMessage(session, d.MessageID)
	if msg == nil {
		return false, fmt.Errorf("delta %s for unknown message %s", d.Delta.DeltaType(), d.MessageID)
	}

	switch delta := d.Delta.(type) {
	case types.TextDelta:
		return appendText(msg, types.AssistantPartText, delta.Text), nil

	case types.ReasoningDelta:
		added := appendText(msg, types.AssistantPartThinking, delta.Text)
		if delta.Signature != "" {
			msg.AssistantParts[len(msg.AssistantParts)-1].Signature = delta.Signature
			return true, nil
		}
		return added, nil

	case types.ToolCallStarted:
		if msg.FindToolCall(delta.ToolCallID) != nil {
			return false, nil
		}
		msg.AssistantParts = append(msg.AssistantParts, types.AssistantPart{
			Type: types.AssistantPartToolCall,
			ToolCall: &types.ToolCallPart{
				ToolCallID: delta.ToolCallID,
				ToolName:   delta.ToolName,
				Status:     types.ToolCallLoading,
				StartedAt:  delta.At,
			},
		})
		return true, nil

	case types.ToolCallReadyDelta:
		tc := msg.FindToolCall(delta.ToolCallID)
		if tc == nil {
			// Providers that don't announce input streaming go straight to ready.
			msg.AssistantParts = append(msg.AssistantParts, types.AssistantPart{
				Type: types.AssistantPartToolCall,
				ToolCall: &types.ToolCallPart{
					ToolCallID: delta.ToolCallID,
					ToolName:   delta.ToolName,
					Input:      delta.Input,
					Status:     types.ToolCallReady,
					StartedAt:  delta.At,
				},
			})
			return true, nil
		}
		if tc.Status.CanAdvance(types.ToolCallReady) {
			tc.Status = types.ToolCallReady
			tc.Input = delta.Input
			if tc.ToolName == "" {
				tc.ToolName = delta.ToolName
			}
		}
		return false, nil

	case types.ToolCallCompletedDelta:
		tc := msg.FindToolCall(delta.ToolCallID)
		if tc == nil {
			return false, fmt.Errorf("completion for unknown tool call %s", delta.ToolCallID)
		}
		if !tc.Status.CanAdvance(types.ToolCallCompleted) {
			return false, nil
		}
		at := delta.At
		tc.Status = types.ToolCallCompleted
		tc.Output = delta.Output
		tc.CompletedAt = &at
		return true, nil

	case types.ToolCallFailed:
		tc := msg.FindToolCall(delta.ToolCallID)
		if tc == nil {
			return false, fmt.Errorf("failure for unknown tool call %s", delta.ToolCallID)
		}
		if !tc.Status.CanAdvance(types.ToolCallError) {
			return false, nil
		}
		at := delta.At
		tc.Status = types.ToolCallError
		tc.Error = delta.Error
		tc.CompletedAt = &at
		return true, nil

	case types.MessageFinished:
		cost := delta.Cost
		msg.Cost = &cost
		return true, nil
	}
	return false, fmt.Errorf("unknown delta type %T", d.Delta)
}

func findMessage(session *types.Session, id types.MessageID) *types.ConversationMessage {
	for i := len(session.Conversation) - 1; i >= 0; i-- {
		if session.Conversation[i].ID == id {
			return &session.Conversation[i]
		}
	}
	return nil
}

// appendText extends the trailing part when it has the same type, or opens
// a new part. Only a new part is reported as significant.
func appendText(msg *types.ConversationMessage, kind types.AssistantPartType, text string) bool {
	if n := len(msg.AssistantParts); n > 0 && msg.AssistantParts[n-1].Type == kind {
		msg.AssistantParts[n-1].Text += text
		return false
	}
	msg.AssistantParts = append(msg.AssistantParts, types.AssistantPart{Type: kind, Text: text})
	return true
}
