package main

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/turnstile/internal/scheduler"
	"github.com/user/turnstile/internal/state"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd,
		taskToggleCmd("enable", true), taskToggleCmd("disable", false))

	f := taskAddCmd.Flags()
	f.String("name", "", "task name, also the webhook path /webhook/<name> (required)")
	f.String("prompt", "", "instructions sent to the model on every run (required)")
	f.String("schedule", "", "cron schedule; empty makes a webhook-only task")
	f.String("session-key", "", "session key, e.g. telegram:<chat> to deliver replies (required)")
	f.String("agent", "", "agent profile for the task's session")
	f.Bool("disabled", false, "store the task without enabling it")
	f.Bool("replace", false, "overwrite a task with the same name")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("prompt")
	_ = taskAddCmd.MarkFlagRequired("session-key")
}

func taskStore() *state.TaskStore {
	return state.NewTaskStore(filepath.Join(loadConfig().DataDir, "tasks.json"))
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled and webhook tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a cron or webhook task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		task := &state.Task{}
		task.Name, _ = f.GetString("name")
		task.Prompt, _ = f.GetString("prompt")
		task.Schedule, _ = f.GetString("schedule")
		task.SessionKey, _ = f.GetString("session-key")
		task.Agent, _ = f.GetString("agent")
		disabled, _ := f.GetBool("disabled")
		task.Enabled = !disabled

		if !task.WebhookOnly() {
			if err := scheduler.ValidateSchedule(task.Schedule); err != nil {
				return err
			}
		}
		store := taskStore()
		save := store.Add
		if replace, _ := f.GetBool("replace"); replace {
			save = store.Put
		}
		if err := save(task); err != nil {
			return fmt.Errorf("add task: %w", err)
		}

		out := cmd.OutOrStdout()
		if task.WebhookOnly() {
			fmt.Fprintf(out, "Task %q saved. Trigger it with POST /webhook/%s.\n", task.Name, task.Name)
		} else {
			fmt.Fprintf(out, "Task %q saved. Restart the daemon to schedule it.\n", task.Name)
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks with their next run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := taskStore().List()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks configured.")
			return nil
		}
		return printTasks(cmd.OutOrStdout(), tasks, time.Now())
	},
}

func printTasks(out io.Writer, tasks []*state.Task, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSCHEDULE\tNEXT RUN\tENABLED\tSESSION KEY\tAGENT")
	for _, t := range tasks {
		schedule, next := t.Schedule, "-"
		switch {
		case t.WebhookOnly():
			schedule = "(webhook)"
		case t.Enabled:
			if at, err := scheduler.NextRun(t.Schedule, now); err == nil {
				next = at.Local().Format(time.DateTime)
			} else {
				next = "invalid"
			}
		}
		agent := t.Agent
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n", t.Name, schedule, next, t.Enabled, t.SessionKey, agent)
	}
	return w.Flush()
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %q removed.\n", args[0])
		return nil
	},
}

func taskToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: fmt.Sprintf("%s a task's schedule and webhook", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := taskStore().SetEnabled(args[0], enabled); err != nil {
				return fmt.Errorf("%s task: %w", verb, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %q %sd.\n", args[0], verb)
			return nil
		},
	}
}
