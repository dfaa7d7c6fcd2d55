package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("agent", "", "agent profile to bind the session to")
}

var chatCmd = &cobra.Command{
	Use:   "chat <session-key> <message>",
	Short: "Run one turn in a MAIN session and print the reply as it streams",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		s, err := buildStack(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		s.gateway.Start(ctx)

		opts := []gateway.RunOption{
			gateway.WithTextChunk(func(chunk string) { fmt.Print(chunk) }),
		}
		if agent, _ := cmd.Flags().GetString("agent"); agent != "" {
			opts = append(opts, gateway.WithAgent(agent))
		}

		id, usage, err := s.gateway.HandleInbound(ctx, &types.InboundEvent{
			Source:     types.SourceMain,
			SessionKey: types.SessionKey(args[0]),
			UserID:     "cli",
			Text:       strings.Join(args[1:], " "),
		}, opts...)
		fmt.Println()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "session %s: %d in / %d out tokens\n", id, usage.InputTokens, usage.OutputTokens)
		return nil
	},
}
