package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/user/turnstile/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config *llm.Config
	client *goopenai.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", llm.ErrMissingAPIKey)
	}
	cfg := goopenai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cfg.BaseURL = config.BaseURL
	}
	return &Client{
		config: config,
		client: goopenai.NewClientWithConfig(cfg),
	}, nil
}

func (c *Client) Name() string { return "openai" }

// Stream opens a streaming chat completion and converts it to llm chunks.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	chatReq := goopenai.ChatCompletionRequest{
		Model:         c.model(req),
		Messages:      toOpenAIMessages(req.System, req.Messages),
		Stream:        true,
		StreamOptions: &goopenai.StreamOptions{IncludeUsage: true},
	}
	if n := c.maxTokens(req); n > 0 {
		chatReq.MaxTokens = n
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	} else if c.config.Temperature > 0 {
		chatReq.Temperature = c.config.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}

	chunks := make(chan llm.Chunk)
	go processStream(ctx, stream, chunks)
	return chunks, nil
}

func (c *Client) model(req *llm.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.config.Model
}

func (c *Client) maxTokens(req *llm.Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return c.config.MaxTokens
}

// pendingCall accumulates one tool call across stream deltas.
type pendingCall struct {
	index     int
	id        string
	name      string
	args      string
	announced bool
}

// processStream reads the stream until io.EOF. Tool call fragments are
// accumulated by index and emitted once complete; usage arrives on the
// final, choice-less chunk.
func processStream(ctx context.Context, stream *goopenai.ChatCompletionStream, chunks chan<- llm.Chunk) {
	defer close(chunks)
	defer stream.Close()

	send := func(c llm.Chunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	calls := make(map[int]*pendingCall)
	reason := llm.FinishStop
	var usage llm.Usage

	flushCalls := func() bool {
		ordered := make([]*pendingCall, 0, len(calls))
		for _, pc := range calls {
			ordered = append(ordered, pc)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })
		for _, pc := range ordered {
			if pc.id == "" || pc.name == "" {
				continue
			}
			args := pc.args
			if args == "" {
				args = "{}"
			}
			if !send(llm.ToolCallChunk{Call: llm.ToolCall{
				ID:       pc.id,
				Type:     "function",
				Function: llm.FunctionCall{Name: pc.name, Arguments: json.RawMessage(args)},
			}}) {
				return false
			}
		}
		calls = make(map[int]*pendingCall)
		return true
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !flushCalls() {
				return
			}
			send(llm.FinishChunk{Reason: reason, Usage: usage})
			return
		}
		if err != nil {
			send(llm.ErrorChunk{Err: err})
			return
		}

		if resp.Usage != nil {
			usage = llm.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		delta := choice.Delta
		if delta.ReasoningContent != "" {
			if !send(llm.ReasoningChunk{Text: delta.ReasoningContent}) {
				return
			}
		}
		if delta.Content != "" {
			if !send(llm.TextChunk{Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pc := calls[index]
			if pc == nil {
				pc = &pendingCall{index: index}
				calls[index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args += tc.Function.Arguments
			if !pc.announced && pc.id != "" && pc.name != "" {
				pc.announced = true
				if !send(llm.ToolInputStartChunk{ID: pc.id, Name: pc.name}) {
					return
				}
			}
		}

		switch choice.FinishReason {
		case goopenai.FinishReasonToolCalls:
			reason = llm.FinishToolCalls
			if !flushCalls() {
				return
			}
		case goopenai.FinishReasonLength:
			reason = llm.FinishLength
		case goopenai.FinishReasonStop:
			reason = llm.FinishStop
		}
	}
}

func toOpenAIMessages(system string, messages []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleTool:
			out = append(out, goopenai.ChatCompletionMessage{
				Role:       goopenai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case llm.RoleAssistant:
			m := goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: string(tc.Function.Arguments),
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, toOpenAIUserMessage(msg))
		}
	}
	return out
}

func toOpenAIUserMessage(msg llm.Message) goopenai.ChatCompletionMessage {
	if len(msg.Parts) == 0 {
		return goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: msg.Content}
	}
	parts := make([]goopenai.ChatMessagePart, 0, len(msg.Parts)+1)
	if msg.Content != "" {
		parts = append(parts, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: msg.Content})
	}
	for _, p := range msg.Parts {
		switch p.Type {
		case "image":
			url := p.URL
			if url == "" && p.Data != "" {
				url = "data:" + p.MediaType + ";base64," + p.Data
			}
			parts = append(parts, goopenai.ChatMessagePart{
				Type:     goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{URL: url, Detail: goopenai.ImageURLDetailAuto},
			})
		case "file":
			// Chat completions has no generic file block; reference it by name.
			ref := p.Filename
			if p.URL != "" {
				ref += " " + p.URL
			}
			parts = append(parts, goopenai.ChatMessagePart{
				Type: goopenai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("[attached file: %s (%s)]", ref, p.MediaType),
			})
		default:
			parts = append(parts, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: p.Text})
		}
	}
	return goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, MultiContent: parts}
}

func toOpenAITools(tools []llm.Tool) []goopenai.Tool {
	out := make([]goopenai.Tool, len(tools))
	for i, t := range tools {
		out[i] = goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		}
	}
	return out
}
