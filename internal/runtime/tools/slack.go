package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackPost posts a message to a Slack channel with a bot token.
type SlackPost struct {
	client *slack.Client
}

// NewSlackPost creates the slack_post_message tool. apiURL overrides the
// Slack API base and must end with a slash; empty uses the default.
func NewSlackPost(token, apiURL string) *SlackPost {
	var opts []slack.Option
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackPost{client: slack.New(token, opts...)}
}

func (s *SlackPost) Name() string        { return "slack_post_message" }
func (s *SlackPost) Description() string { return "Post a message to a Slack channel or thread" }
func (s *SlackPost) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"channel": {"type": "string", "description": "Channel ID or name"},
			"text": {"type": "string", "description": "Message text (Slack mrkdwn)"},
			"thread_ts": {"type": "string", "description": "Reply in this thread"}
		},
		"required": ["channel", "text"]
	}`)
}

func (s *SlackPost) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Channel  string `json:"channel"`
		Text     string `json:"text"`
		ThreadTS string `json:"thread_ts"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Channel == "" || params.Text == "" {
		return "", fmt.Errorf("channel and text are required")
	}

	opts := []slack.MsgOption{slack.MsgOptionText(params.Text, false)}
	if params.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(params.ThreadTS))
	}
	channel, ts, err := s.client.PostMessageContext(ctx, params.Channel, opts...)
	if err != nil {
		return "", fmt.Errorf("post to slack: %w", err)
	}
	return jsonString(map[string]string{"channel": channel, "ts": ts})
}
