package context

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

const (
	InstructionsPrefix   = "Instructions: "
	TriggerPayloadPrefix = "Trigger payload: "
)

// ToModelMessages converts a stored conversation into provider messages.
// A compaction entry discards everything converted before it and restarts
// the history from its summary. Interrupted markers carry no content.
func ToModelMessages(conv []types.ConversationMessage) []llm.Message {
	var out []llm.Message
	for i := range conv {
		msg := &conv[i]
		switch msg.Kind {
		case types.MessageUser:
			if m, ok := userMessage(msg); ok {
				out = append(out, m)
			}
		case types.MessageAssistant:
			out = append(out, assistantMessages(msg)...)
		case types.MessageCompaction:
			out = []llm.Message{{Role: llm.RoleUser, Content: msg.Summary}}
		case types.MessageInterrupted:
		}
	}
	return out
}

func sentAt(t time.Time) string {
	return "\n\n(sent at " + t.Format(time.RFC3339) + ")"
}

func userMessage(msg *types.ConversationMessage) (llm.Message, bool) {
	var stamp string
	if !msg.CreatedAt.IsZero() {
		stamp = sentAt(msg.CreatedAt)
	}
	parts := make([]llm.ContentPart, 0, len(msg.UserParts))
	for _, p := range msg.UserParts {
		switch p.Type {
		case types.UserPartText:
			parts = append(parts, llm.ContentPart{Type: "text", Text: p.Text + stamp})
		case types.UserPartInstructions:
			parts = append(parts, llm.ContentPart{Type: "text", Text: InstructionsPrefix + p.Text})
		case types.UserPartTriggerPayload:
			parts = append(parts, llm.ContentPart{Type: "text", Text: TriggerPayloadPrefix + p.Text})
		case types.UserPartImage, types.UserPartFile:
			parts = append(parts, llm.ContentPart{
				Type:      string(p.Type),
				URL:       p.URL,
				Data:      p.Data,
				MediaType: p.MediaType,
				Filename:  p.Filename,
			})
		}
	}
	if len(parts) == 0 {
		return llm.Message{}, false
	}
	return llm.Message{Role: llm.RoleUser, Parts: parts}, true
}

// assistantMessages yields the assistant turn followed by one tool turn per
// replayed call. Only completed calls with input are replayed; calls that
// never finished would leave the provider with an unanswered tool_use.
func assistantMessages(msg *types.ConversationMessage) []llm.Message {
	var (
		text, reasoning strings.Builder
		signature       string
		calls           []llm.ToolCall
		results         []llm.Message
	)
	for _, p := range msg.AssistantParts {
		switch p.Type {
		case types.AssistantPartText:
			text.WriteString(p.Text)
		case types.AssistantPartThinking:
			reasoning.WriteString(p.Text)
			if p.Signature != "" {
				signature = p.Signature
			}
		case types.AssistantPartToolCall:
			tc := p.ToolCall
			if tc == nil || tc.Status != types.ToolCallCompleted || len(tc.Input) == 0 {
				continue
			}
			calls = append(calls, llm.ToolCall{
				ID:       tc.ToolCallID,
				Type:     "function",
				Function: llm.FunctionCall{Name: tc.ToolName, Arguments: tc.Input},
			})
			results = append(results, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: tc.ToolCallID,
				Content:    ToolResultText(tc.Output),
			})
		}
	}
	if text.Len() == 0 && len(calls) == 0 {
		return nil
	}
	out := make([]llm.Message, 0, 1+len(results))
	out = append(out, llm.Message{
		Role:               llm.RoleAssistant,
		Content:            text.String(),
		Reasoning:          reasoning.String(),
		ReasoningSignature: signature,
		ToolCalls:          calls,
	})
	return append(out, results...)
}

// ToolResultText renders a stored tool output for the model. JSON strings
// are unquoted, other JSON is passed through, and a missing output is "{}".
func ToolResultText(output json.RawMessage) string {
	if len(output) == 0 {
		return "{}"
	}
	var s string
	if err := json.Unmarshal(output, &s); err == nil {
		return s
	}
	return string(output)
}
