package llm

import (
	"context"
	"errors"
)

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Name identifies the backend in logs ("openai", "anthropic").
	Name() string

	// Stream runs one model step and returns its chunks. The channel is
	// unbuffered and closed after a FinishChunk or ErrorChunk, so the consumer
	// paces the producer. Errors returned directly happened before any chunk
	// was produced and are safe to retry.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	Provider       string
	BaseURL        string
	APIKey         string
	Model          string
	MaxTokens      int
	Temperature    float32
	ThinkingBudget int
}

// ErrMissingAPIKey is returned by provider constructors when no credential
// is configured.
var ErrMissingAPIKey = errors.New("missing API key")

// Request is a single streaming step.
type Request struct {
	Model          string
	System         string
	Messages       []Message
	Tools          []Tool
	MaxTokens      int
	Temperature    float32
	ThinkingBudget int
}
