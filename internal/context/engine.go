package context

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

// perMessageOverhead approximates the role and framing tokens each chat
// message costs on top of its content.
const perMessageOverhead = 4

// Engine estimates token usage and renders the system prompt.
type Engine struct {
	tokenizer  *tiktoken.Tiktoken
	prompt     *template.Template
	memoryPath string
	now        func() time.Time
}

type Options struct {
	// PromptPath overrides DefaultPrompt with a template file.
	PromptPath string
	// MemoryPath is the memory file whose contents are injected into the
	// prompt. Empty disables the memory section.
	MemoryPath string
}

// New creates an engine whose tokenizer matches model, falling back to
// cl100k_base for models tiktoken does not know.
func New(model string, opts Options) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}

	text := DefaultPrompt
	if opts.PromptPath != "" {
		data, err := os.ReadFile(opts.PromptPath)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		text = string(data)
	}
	tmpl, err := template.New("system").Funcs(template.FuncMap{"hasTool": hasTool}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}

	return &Engine{
		tokenizer:  enc,
		prompt:     tmpl,
		memoryPath: opts.MemoryPath,
		now:        time.Now,
	}, nil
}

// EstimateTokens returns the token count of text.
func (e *Engine) EstimateTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// CountMessages estimates the input tokens of a request. It is used when a
// provider reports no usage for a step.
func (e *Engine) CountMessages(system string, msgs []llm.Message) int {
	total := e.EstimateTokens(system)
	for _, m := range msgs {
		total += perMessageOverhead
		total += e.EstimateTokens(m.Text())
		total += e.EstimateTokens(m.Reasoning)
		for _, tc := range m.ToolCalls {
			total += e.EstimateTokens(tc.Function.Name)
			total += e.EstimateTokens(string(tc.Function.Arguments))
		}
	}
	return total
}

// PromptData is the data available to the system prompt template.
type PromptData struct {
	Time         string
	SessionID    string
	Source       string
	Agent        string
	Instructions string
	Tools        string
	ToolList     []string
	Memory       string
}

// SystemPrompt renders the prompt for one turn. agentInstructions may be
// empty; tools lists the names visible to the model.
func (e *Engine) SystemPrompt(session *types.Session, agentInstructions string, tools []string) (string, error) {
	data := PromptData{
		Time:         e.now().Format(time.RFC3339),
		SessionID:    string(session.ID),
		Source:       string(session.Source),
		Agent:        session.AgentID,
		Instructions: strings.TrimSpace(agentInstructions),
		Tools:        strings.Join(tools, ", "),
		ToolList:     tools,
	}
	if e.memoryPath != "" {
		mem, err := os.ReadFile(e.memoryPath)
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("read memory: %w", err)
		}
		data.Memory = strings.TrimSpace(string(mem))
	}

	var buf bytes.Buffer
	if err := e.prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// hasTool reports whether name is in the visible tool list. Templates call
// it as {{if hasTool .ToolList "bash"}}.
func hasTool(list []string, name string) bool {
	for _, t := range list {
		if t == name {
			return true
		}
	}
	return false
}
