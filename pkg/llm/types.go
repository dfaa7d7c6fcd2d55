package llm

import "encoding/json"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ContentPart is one block of a multi-part user message.
type ContentPart struct {
	Type      string `json:"type"` // text, image, file
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	Data      string `json:"data,omitempty"` // base64
	MediaType string `json:"media_type,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// Message is a provider-neutral chat turn. User turns use Parts, assistant
// turns use Content/Reasoning/ToolCalls, and tool turns carry one result
// each, keyed by ToolCallID.
type Message struct {
	Role               string        `json:"role"`
	Content            string        `json:"content,omitempty"`
	Parts              []ContentPart `json:"parts,omitempty"`
	Reasoning          string        `json:"reasoning,omitempty"`
	ReasoningSignature string        `json:"reasoning_signature,omitempty"`
	ToolCalls          []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID         string        `json:"tool_call_id,omitempty"`
}

// Text returns Content plus any text parts.
func (m Message) Text() string {
	out := m.Content
	for _, p := range m.Parts {
		if p.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
	}
}

type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishOther     FinishReason = "other"
)

// Chunk is one element of a step stream. Implementations: TextChunk,
// ReasoningChunk, ToolInputStartChunk, ToolCallChunk, FinishChunk, ErrorChunk.
type Chunk interface {
	isChunk()
}

type TextChunk struct {
	Text string
}

// ReasoningChunk carries thinking text. Providers that sign their
// reasoning send the signature in a chunk of its own once the block ends.
type ReasoningChunk struct {
	Text      string
	Signature string
}

// ToolInputStartChunk announces a tool call whose arguments are still streaming.
type ToolInputStartChunk struct {
	ID   string
	Name string
}

// ToolCallChunk carries a tool call with fully parsed arguments.
type ToolCallChunk struct {
	Call ToolCall
}

type FinishChunk struct {
	Reason FinishReason
	Usage  Usage
}

type ErrorChunk struct {
	Err error
}

func (TextChunk) isChunk()           {}
func (ReasoningChunk) isChunk()      {}
func (ToolInputStartChunk) isChunk() {}
func (ToolCallChunk) isChunk()       {}
func (FinishChunk) isChunk()         {}
func (ErrorChunk) isChunk()          {}
