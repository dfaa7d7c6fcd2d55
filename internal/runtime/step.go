package runtime

import (
	"encoding/json"

	"github.com/user/turnstile/pkg/llm"
)

// Step is one model call within a turn together with the results of the
// tools it requested.
type Step struct {
	Index              int
	Text               string
	Reasoning          string
	ReasoningSignature string
	ToolCalls          []llm.ToolCall
	Results            []ToolResult
	Usage              llm.Usage
	Finish             llm.FinishReason
}

// ToolResult is the outcome of one tool call. Err is set when the tool
// failed; Output is then empty.
type ToolResult struct {
	ToolCallID string
	ToolName   string
	Output     json.RawMessage
	Err        error
}

// IsPending reports whether a tool output encodes a question that is
// waiting for the user, i.e. a JSON object with "status": "pending".
func IsPending(output json.RawMessage) bool {
	var reply struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(output, &reply); err != nil {
		return false
	}
	return reply.Status == "pending"
}

// HasPending reports whether any successful result of the step is pending.
func (s *Step) HasPending() bool {
	for _, r := range s.Results {
		if r.Err == nil && IsPending(r.Output) {
			return true
		}
	}
	return false
}
