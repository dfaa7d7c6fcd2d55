// Package compaction decides when a turn's context is too large and replaces
// it with a heuristic text summary. No model call is made.
package compaction

import (
	"strings"
	"unicode/utf8"

	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

const (
	SummaryPrefix = "[Conversation summary: earlier turns were compacted]\n"
	SummarySuffix = "\n[End of summary]"

	// DefaultSummaryChars bounds the summary body between the markers.
	DefaultSummaryChars = 5000
)

type Policy struct {
	// SummaryChars overrides DefaultSummaryChars when positive.
	SummaryChars int
	// Models resolves context windows; defaults to llm.ModelFor.
	Models func(id string) llm.ModelInfo
}

func New() *Policy {
	return &Policy{SummaryChars: DefaultSummaryChars, Models: llm.ModelFor}
}

// NeedsCompaction reports whether inputTokens has reached the model's
// compaction threshold. Unknown models use a 128000 token window at 0.8.
func (p *Policy) NeedsCompaction(inputTokens int, modelID string) bool {
	if inputTokens <= 0 {
		return false
	}
	lookup := p.Models
	if lookup == nil {
		lookup = llm.ModelFor
	}
	info := lookup(modelID)
	window := info.MaxContextTokens
	if window <= 0 {
		window = llm.DefaultMaxContextTokens
	}
	threshold := info.CompactionThreshold
	if threshold <= 0 {
		threshold = llm.DefaultCompactionThreshold
	}
	return float64(inputTokens)/float64(window) >= threshold
}

// Summarize renders messages as role-tagged lines between the summary
// markers. When the body exceeds the budget only its tail is kept.
func (p *Policy) Summarize(messages []llm.Message) string {
	var lines []string
	for _, m := range messages {
		switch m.Role {
		case llm.RoleUser:
			if text := strings.TrimSpace(m.Text()); text != "" {
				lines = append(lines, "User: "+text)
			}
		case llm.RoleAssistant:
			if text := strings.TrimSpace(m.Content); text != "" {
				lines = append(lines, "Assistant: "+text)
			}
			for _, tc := range m.ToolCalls {
				lines = append(lines, "Assistant: called "+tc.Function.Name+" "+string(tc.Function.Arguments))
			}
		case llm.RoleTool:
			if text := strings.TrimSpace(m.Content); text != "" {
				lines = append(lines, "Tool: "+text)
			}
		}
	}

	budget := p.SummaryChars
	if budget <= 0 {
		budget = DefaultSummaryChars
	}
	return SummaryPrefix + tail(strings.Join(lines, "\n"), budget) + SummarySuffix
}

// Compact builds the compaction entry that replaces messages in the
// conversation history.
func (p *Policy) Compact(messages []llm.Message) types.ConversationMessage {
	return types.NewCompactionMessage(p.Summarize(messages))
}

// tail returns at most n bytes from the end of s without splitting a rune.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
