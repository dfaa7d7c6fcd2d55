package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// Poster is the part of the Slack client used for delivery.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

var _ Poster = (*slack.Client)(nil)

// Slack returns a handler for "slack:" keys. The target is a channel id,
// optionally followed by ":<thread ts>" to reply in a thread.
func Slack(client Poster) Handler {
	return func(ctx context.Context, target, message string) error {
		channel, thread, _ := strings.Cut(target, ":")
		if channel == "" {
			return fmt.Errorf("slack target %q has no channel", target)
		}
		opts := []slack.MsgOption{slack.MsgOptionText(message, false)}
		if thread != "" {
			opts = append(opts, slack.MsgOptionTS(thread))
		}
		if _, _, err := client.PostMessageContext(ctx, channel, opts...); err != nil {
			return fmt.Errorf("post slack message: %w", err)
		}
		return nil
	}
}
