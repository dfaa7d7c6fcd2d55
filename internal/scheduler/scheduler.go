// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/turnstile/internal/delivery"
	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

// Turns starts automation turns.
type Turns interface {
	HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) (types.SessionID, llm.Usage, error)
}

// Scheduler fires enabled tasks on their cron schedules as AUTOMATION
// turns and hands non-empty results to the delivery registry.
type Scheduler struct {
	store    *state.TaskStore
	turns    Turns
	delivery *delivery.Registry
	timeout  time.Duration

	mu   sync.Mutex
	cron *cron.Cron
	ctx  context.Context
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is a schedule the scheduler accepts.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// NextRun returns the first time after t that expr fires.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched.Next(after), nil
}

// New creates a Scheduler. deliver may be nil, in which case results are
// only kept in the session.
func New(store *state.TaskStore, turns Turns, deliver *delivery.Registry) *Scheduler {
	return &Scheduler{
		store:    store,
		turns:    turns,
		delivery: deliver,
		timeout:  10 * time.Minute,
		cron:     cron.New(cron.WithParser(cronParser)),
		ctx:      context.Background(),
	}
}

// Start registers every enabled task that has a schedule and starts the
// cron ticker. Fired turns run under ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Scheduler) startLocked() error {
	tasks, err := s.store.List()
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if task.WebhookOnly() || !task.Enabled {
			continue
		}
		_, err := s.cron.AddFunc(task.Schedule, func() {
			slog.Info("cron firing task", "task", task.Name, "session_key", task.SessionKey)
			if err := s.Fire(s.ctx, task); err != nil {
				slog.Error("scheduled task failed", "task", task.Name, "error", err)
			}
		})
		if err != nil {
			slog.Error("invalid cron schedule", "task", task.Name, "schedule", task.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled task", "task", task.Name, "schedule", task.Schedule)
	}

	s.cron.Start()
	return nil
}

// Reload replaces the cron entries with the store's current tasks.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.startLocked()
}

// Stop stops the ticker and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}

// Fire runs task once: its prompt reaches the model as instructions in the
// task's session, and a non-empty reply is delivered by session key.
func (s *Scheduler) Fire(ctx context.Context, task *state.Task) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var response string
	opts := []gateway.RunOption{gateway.WithOnComplete(func(text string) { response = text })}
	if task.Agent != "" {
		opts = append(opts, gateway.WithAgent(task.Agent))
	}
	event := &types.InboundEvent{
		Source:     types.SourceAutomation,
		SessionKey: types.SessionKey(task.SessionKey),
		Parts:      types.AutomationParts(task.Prompt, ""),
	}
	if _, _, err := s.turns.HandleInbound(ctx, event, opts...); err != nil {
		return fmt.Errorf("run task %s: %w", task.Name, err)
	}

	response = strings.TrimSpace(response)
	if response == "" || s.delivery == nil {
		return nil
	}
	if err := s.delivery.Deliver(ctx, event.SessionKey, response); err != nil {
		if errors.Is(err, delivery.ErrNoHandler) {
			slog.Debug("no delivery for task result", "task", task.Name, "session_key", task.SessionKey)
			return nil
		}
		return err
	}
	return nil
}
