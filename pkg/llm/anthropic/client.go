package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/user/turnstile/pkg/llm"
)

const defaultMaxTokens = 4096

// Client implements llm.Provider on the Anthropic Messages API. Extended
// thinking is enabled when the configured ThinkingBudget is at least 1024.
type Client struct {
	config *llm.Config
	client sdk.Client
}

func New(config *llm.Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", llm.ErrMissingAPIKey)
	}
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &Client{config: config, client: sdk.NewClient(opts...)}, nil
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.client.Messages.NewStreaming(ctx, params)
	// The SDK defers connection errors to the first Next; surface them here
	// so they stay retryable.
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}

	chunks := make(chan llm.Chunk)
	go processStream(ctx, stream, chunks)
	return chunks, nil
}

func (c *Client) buildParams(req *llm.Request) (sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, fmt.Errorf("convert messages: %w", err)
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = tools
	}

	budget := req.ThinkingBudget
	if budget == 0 {
		budget = c.config.ThinkingBudget
	}
	if budget >= 1024 {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(budget))
	} else if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(float64(t))
	} else if c.config.Temperature > 0 {
		params.Temperature = sdk.Float(float64(c.config.Temperature))
	}
	return params, nil
}

// processStream walks the SSE events of one message. Tool input JSON is
// accumulated per content block and emitted on content_block_stop.
func processStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], chunks chan<- llm.Chunk) {
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

	var (
		current *llm.ToolCall
		input   strings.Builder
		usage   llm.Usage
		reason  = llm.FinishStop
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &llm.ToolCall{ID: toolUse.ID, Type: "function", Function: llm.FunctionCall{Name: toolUse.Name}}
				input.Reset()
				if !send(llm.ToolInputStartChunk{ID: toolUse.ID, Name: toolUse.Name}) {
					return
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !send(llm.TextChunk{Text: delta.Text}) {
					return
				}
			case "thinking_delta":
				if delta.Thinking != "" && !send(llm.ReasoningChunk{Text: delta.Thinking}) {
					return
				}
			case "signature_delta":
				if delta.Signature != "" && !send(llm.ReasoningChunk{Signature: delta.Signature}) {
					return
				}
			case "input_json_delta":
				input.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current != nil {
				args := input.String()
				if args == "" {
					args = "{}"
				}
				current.Function.Arguments = json.RawMessage(args)
				if !send(llm.ToolCallChunk{Call: *current}) {
					return
				}
				current = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			usage.OutputTokens = int(md.Usage.OutputTokens)
			switch string(md.Delta.StopReason) {
			case "tool_use":
				reason = llm.FinishToolCalls
			case "max_tokens":
				reason = llm.FinishLength
			case "end_turn", "stop_sequence", "":
				reason = llm.FinishStop
			default:
				reason = llm.FinishOther
			}

		case "message_stop":
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			send(llm.FinishChunk{Reason: reason, Usage: usage})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(llm.ErrorChunk{Err: err})
		return
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	send(llm.FinishChunk{Reason: reason, Usage: usage})
}

func toAnthropicMessages(messages []llm.Message) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	for _, msg := range messages {
		var blocks []sdk.ContentBlockParamUnion
		switch msg.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleTool:
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
			continue
		case llm.RoleAssistant:
			// Thinking must lead the turn, and only signed thinking is
			// accepted back.
			if msg.Reasoning != "" && msg.ReasoningSignature != "" {
				blocks = append(blocks, sdk.NewThinkingBlock(msg.ReasoningSignature, msg.Reasoning))
			}
			if msg.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Function.Arguments, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Function.Name, err)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
			continue
		}

		if msg.Content != "" {
			blocks = append(blocks, sdk.NewTextBlock(msg.Content))
		}
		for _, p := range msg.Parts {
			switch {
			case p.Type == "image" && p.Data != "":
				blocks = append(blocks, sdk.NewImageBlockBase64(p.MediaType, p.Data))
			case p.Type == "image" || p.Type == "file":
				ref := p.URL
				if p.Filename != "" {
					ref = p.Filename + " " + ref
				}
				blocks = append(blocks, sdk.NewTextBlock(fmt.Sprintf("[attached %s: %s (%s)]", p.Type, strings.TrimSpace(ref), p.MediaType)))
			default:
				blocks = append(blocks, sdk.NewTextBlock(p.Text))
			}
		}
		if len(blocks) > 0 {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func toAnthropicTools(tools []llm.Tool) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(t.Function.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Function.Name, err)
		}
		param := sdk.ToolUnionParamOfTool(schema, t.Function.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Function.Name)
		}
		param.OfTool.Description = sdk.String(t.Function.Description)
		out = append(out, param)
	}
	return out, nil
}
