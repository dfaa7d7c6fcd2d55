// internal/state/task.go
package state

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
)

// Task is a named automation prompt fired on a cron schedule or by webhook.
// Its prompt reaches the model as instructions; a webhook body is attached
// as the trigger payload. A task without a schedule only runs by webhook.
type Task struct {
	Name       string `json:"name"`
	Prompt     string `json:"prompt"`
	Schedule   string `json:"schedule,omitempty"`
	SessionKey string `json:"session_key"`
	Agent      string `json:"agent,omitempty"`
	Enabled    bool   `json:"enabled"`
}

// WebhookOnly reports whether the task has no cron schedule.
func (t *Task) WebhookOnly() bool {
	return strings.TrimSpace(t.Schedule) == ""
}

// Validate checks the fields every task needs. The name ends up in the
// webhook path, so it may not contain slashes or spaces.
func (t *Task) Validate() error {
	switch {
	case t.Name == "":
		return errors.New("task name is required")
	case strings.ContainsAny(t.Name, "/ \t\n"):
		return fmt.Errorf("task name %q may not contain slashes or whitespace", t.Name)
	case strings.TrimSpace(t.Prompt) == "":
		return fmt.Errorf("task %s: prompt is required", t.Name)
	case t.SessionKey == "":
		return fmt.Errorf("task %s: session key is required", t.Name)
	}
	return nil
}

// TaskStore keeps tasks as a JSON array in a single file.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

func (s *TaskStore) Path() string {
	return s.path
}

// List returns every task in insertion order, or an empty slice when the
// file doesn't exist yet.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return tasks, nil
}

// Get returns the named task or ErrTaskNotFound.
func (s *TaskStore) Get(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	i := taskIndex(tasks, name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return tasks[i], nil
}

// Add stores a new task. It fails with ErrTaskExists on a name clash.
func (s *TaskStore) Add(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	return s.update(func(tasks []*Task) ([]*Task, error) {
		if taskIndex(tasks, task.Name) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskExists, task.Name)
		}
		return append(tasks, task), nil
	})
}

// Put inserts task or replaces the one with the same name in place.
func (s *TaskStore) Put(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	return s.update(func(tasks []*Task) ([]*Task, error) {
		if i := taskIndex(tasks, task.Name); i >= 0 {
			tasks[i] = task
			return tasks, nil
		}
		return append(tasks, task), nil
	})
}

func (s *TaskStore) Remove(name string) error {
	return s.update(func(tasks []*Task) ([]*Task, error) {
		i := taskIndex(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
		}
		return slices.Delete(tasks, i, i+1), nil
	})
}

func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	return s.update(func(tasks []*Task) ([]*Task, error) {
		i := taskIndex(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
		}
		tasks[i].Enabled = enabled
		return tasks, nil
	})
}

// update runs fn on the current list under the write lock and saves what
// it returns. Nothing is written when fn fails.
func (s *TaskStore) update(fn func([]*Task) ([]*Task, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, err := s.load()
	if err != nil {
		return err
	}
	tasks, err = fn(tasks)
	if err != nil {
		return err
	}
	if err := writeJSONAtomic(s.path, tasks); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}

func (s *TaskStore) load() ([]*Task, error) {
	var tasks []*Task
	if err := readJSON(s.path, &tasks); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	return tasks, nil
}

func taskIndex(tasks []*Task, name string) int {
	return slices.IndexFunc(tasks, func(t *Task) bool { return t.Name == name })
}
