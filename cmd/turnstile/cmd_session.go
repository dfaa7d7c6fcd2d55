package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/turnstile/internal/config"
	ctxengine "github.com/user/turnstile/internal/context"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
)

const timeLayout = "2006-01-02 15:04:05"

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionTurnsCmd, sessionClearCmd)
	sessionListCmd.Flags().String("status", "", "only sessions with this status (RUNNING, NEEDS_YOU, CLOSED)")
	sessionShowCmd.Flags().Bool("json", false, "print the raw session")
	sessionTurnsCmd.Flags().Int("limit", 20, "number of most recent turns")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and clear sessions",
}

func openSessionsOrExit(cfg *config.Config) (types.SessionStore, func() error) {
	sessions, closeStore, err := openSessions(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session store: %v\n", err)
		os.Exit(1)
	}
	return sessions, closeStore
}

// printSessions writes one row per session. turns maps a session id to
// its turn count; missing ids print as 0.
func printSessions(w io.Writer, list []*types.Session, turns map[types.SessionID]int64) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tSOURCE\tSTATUS\tAGENT\tMESSAGES\tTURNS\tCOST\tUPDATED")
	for _, s := range list {
		agent := s.AgentID
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t$%.4f\t%s\n",
			s.ID, s.Key, s.Source, s.Status, agent, len(s.Conversation), turns[s.ID], s.Cost, s.UpdatedAt.Format(timeLayout))
	}
	return tw.Flush()
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions, closeStore := openSessionsOrExit(cfg)
		defer closeStore()
		turnLog := state.NewTurnLog(cfg.DataDir)

		ctx := context.Background()
		all, err := sessions.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		status, _ := cmd.Flags().GetString("status")
		var list []*types.Session
		turns := make(map[types.SessionID]int64)
		for _, s := range all {
			if status != "" && !strings.EqualFold(string(s.Status), status) {
				continue
			}
			list = append(list, s)
			if n, err := turnLog.Count(ctx, s.ID); err == nil {
				turns[s.ID] = n
			}
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}
		return printSessions(cmd.OutOrStdout(), list, turns)
	},
}

// printSession writes a session summary followed by its todo list.
func printSession(w io.Writer, s *types.Session, contextTokens int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"ID", string(s.ID)},
		{"Key", string(s.Key)},
		{"Source", string(s.Source)},
		{"Status", string(s.Status)},
		{"Streaming", fmt.Sprint(s.IsStreaming)},
		{"Model", s.ModelID},
		{"Agent", s.AgentID},
		{"Messages", fmt.Sprint(len(s.Conversation))},
		{"Context tokens", fmt.Sprintf("~%d", contextTokens)},
		{"Cost", fmt.Sprintf("$%.4f", s.Cost)},
		{"Created", s.CreatedAt.Format(timeLayout)},
		{"Updated", s.UpdatedAt.Format(timeLayout)},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(s.Todos) > 0 {
		fmt.Fprintln(w, "Todos:")
	}
	for _, todo := range s.Todos {
		fmt.Fprintf(w, "  [%s] %s\n", todo.Status, todo.Content)
	}
	return nil
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session and its estimated context size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions, closeStore := openSessionsOrExit(cfg)
		defer closeStore()

		session, err := sessions.Get(context.Background(), types.SessionID(args[0]))
		if err != nil {
			return err
		}
		if raw, _ := cmd.Flags().GetBool("json"); raw {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(session)
		}

		engine, err := ctxengine.New(session.ModelID, ctxengine.Options{})
		if err != nil {
			return fmt.Errorf("create tokenizer: %w", err)
		}
		tokens := engine.CountMessages("", ctxengine.ToModelMessages(session.Conversation))
		return printSession(cmd.OutOrStdout(), session, tokens)
	},
}

func printTurns(w io.Writer, records []*types.TurnRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATE\tSTEPS\tTOKENS IN/OUT\tCOST\tDURATION\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t$%.4f\t%s\t%s\n",
			r.StartedAt.Format(timeLayout), r.State, r.Steps, r.InputTokens, r.OutputTokens, r.Cost,
			r.EndedAt.Sub(r.StartedAt).Round(100 * time.Millisecond), r.Error)
	}
	return tw.Flush()
}

var sessionTurnsCmd = &cobra.Command{
	Use:   "turns <id>",
	Short: "Show the most recent turns of a session from the turn log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		limit, _ := cmd.Flags().GetInt("limit")
		records, err := state.NewTurnLog(cfg.DataDir).Tail(context.Background(), types.SessionID(args[0]), limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No turns recorded.")
			return nil
		}
		return printTurns(cmd.OutOrStdout(), records)
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Delete a session, or every session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions, closeStore := openSessionsOrExit(cfg)
		defer closeStore()

		deleter, ok := sessions.(sessionDeleter)
		if !ok {
			return fmt.Errorf("storage driver %q can't delete sessions", cfg.Storage.Driver)
		}

		ctx := context.Background()
		ids := []types.SessionID{types.SessionID(args[0])}
		if args[0] == "all" {
			list, err := sessions.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			ids = ids[:0]
			for _, s := range list {
				ids = append(ids, s.ID)
			}
		}
		for _, id := range ids {
			if err := deleter.Delete(ctx, id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d session(s) cleared.\n", len(ids))
		return nil
	},
}
