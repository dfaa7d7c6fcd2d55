package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/turnstile/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Answer a few questions to write the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := runSetup(cmd.InOrStdin(), cmd.OutOrStdout(), cfg); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "\nSaved", cfgPath)
		return nil
	},
}

// setupQuestion edits one string field. Secret keys show a masked default.
type setupQuestion struct {
	key   string
	label string
	field func(*config.Config) *string
	ask   func(*config.Config) bool
}

var setupQuestions = []setupQuestion{
	{key: "llm.base_url", label: "OpenAI-compatible base URL", field: func(c *config.Config) *string { return &c.LLM.BaseURL }},
	{key: "llm.api_key", label: "OpenAI-compatible API key", field: func(c *config.Config) *string { return &c.LLM.APIKey }},
	{key: "llm.model", label: "Default model", field: func(c *config.Config) *string { return &c.LLM.Model }},
	{key: "anthropic.api_key", label: "Anthropic API key for claude-* models (optional)", field: func(c *config.Config) *string { return &c.Anthropic.APIKey }},
	{key: "storage.driver", label: "Session storage: file, sqlite or mysql", field: func(c *config.Config) *string { return &c.Storage.Driver }},
	{
		key:   "storage.dsn",
		label: "Storage DSN (empty uses <data_dir>/turnstile.db for sqlite)",
		field: func(c *config.Config) *string { return &c.Storage.DSN },
		ask:   func(c *config.Config) bool { return c.Storage.Driver != "file" },
	},
	{key: "telegram.token", label: "Telegram bot token (optional)", field: func(c *config.Config) *string { return &c.Telegram.Token }},
	{key: "brave.api_key", label: "Brave Search API key, enables web tools (optional)", field: func(c *config.Config) *string { return &c.Brave.APIKey }},
	{key: "slack.bot_token", label: "Slack bot token, enables slack_post_message (optional)", field: func(c *config.Config) *string { return &c.Slack.BotToken }},
}

// runSetup asks every question in order and writes the answers into cfg.
// An empty answer keeps the current value.
func runSetup(in io.Reader, out io.Writer, cfg *config.Config) error {
	scanner := bufio.NewScanner(in)
	answer := func(key, label, current string) string {
		shown := current
		if current != "" && config.IsSecretKey(key) {
			shown, _ = config.MaskSecrets(map[string]any{key: current})[key].(string)
		}
		if shown != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, shown)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		if scanner.Scan() {
			if s := strings.TrimSpace(scanner.Text()); s != "" {
				return s
			}
		}
		return current
	}

	fmt.Fprintln(out, "Press Enter to keep the value in brackets.")
	for _, q := range setupQuestions {
		if q.ask != nil && !q.ask(cfg) {
			continue
		}
		p := q.field(cfg)
		*p = answer(q.key, q.label, *p)
	}
	switch cfg.Storage.Driver {
	case "file", "sqlite", "mysql":
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if n, err := strconv.Atoi(answer("llm.max_tokens", "Max output tokens", strconv.Itoa(cfg.LLM.MaxTokens))); err == nil && n > 0 {
		cfg.LLM.MaxTokens = n
	}
	return scanner.Err()
}
