package llm

import (
	"context"
	"math"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	StreamFunc func(ctx context.Context, req *Request) (<-chan Chunk, error)
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	ch := make(chan Chunk, 2)
	ch <- TextChunk{Text: "mock stream"}
	ch <- FinishChunk{Reason: FinishStop}
	close(ch)
	return ch, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	stream, err := provider.Stream(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Content: "test"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var text string
	var finished bool
	for c := range stream {
		switch c := c.(type) {
		case TextChunk:
			text += c.Text
		case FinishChunk:
			finished = true
		}
	}
	if text != "mock stream" {
		t.Errorf("expected 'mock stream', got %q", text)
	}
	if !finished {
		t.Error("expected a finish chunk")
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}.Add(Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3})
	if u.InputTokens != 11 || u.OutputTokens != 7 || u.TotalTokens != 18 {
		t.Errorf("unexpected sum: %+v", u)
	}
}

func TestLookupModelPrefix(t *testing.T) {
	info, ok := LookupModel("claude-sonnet-4-20250514")
	if !ok {
		t.Fatal("expected dated id to resolve")
	}
	if info.ID != "claude-sonnet-4" {
		t.Errorf("expected claude-sonnet-4, got %s", info.ID)
	}

	info, ok = LookupModel("gpt-4o-mini-2024-07-18")
	if !ok || info.ID != "gpt-4o-mini" {
		t.Errorf("expected longest prefix gpt-4o-mini, got %q (ok=%v)", info.ID, ok)
	}
}

func TestModelForUnknown(t *testing.T) {
	info := ModelFor("my-local-llama")
	if info.MaxContextTokens != 128000 {
		t.Errorf("expected 128000 fallback, got %d", info.MaxContextTokens)
	}
	if info.CompactionThreshold != 0.8 {
		t.Errorf("expected 0.8 fallback, got %v", info.CompactionThreshold)
	}
	if info.Cost(Usage{InputTokens: 1000, OutputTokens: 1000}) != 0 {
		t.Error("unknown models should be free")
	}
}

func TestModelCost(t *testing.T) {
	info := ModelFor("gpt-4o")
	got := info.Cost(Usage{InputTokens: 1_000_000, OutputTokens: 100_000})
	if math.Abs(got-3.5) > 1e-9 {
		t.Errorf("expected 3.5, got %v", got)
	}
}
