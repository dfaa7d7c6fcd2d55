package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/turnstile/internal/types"
)

// TodoWrite replaces the session's plan. The executor reads the echoed list
// from the result and stores it on the session.
type TodoWrite struct{}

func NewTodoWrite() *TodoWrite { return &TodoWrite{} }

func (t *TodoWrite) Name() string { return "todo_write" }
func (t *TodoWrite) Description() string {
	return "Replace the current task list. Send the full list every time; at most one item may be in_progress."
}
func (t *TodoWrite) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"todos": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"content": {"type": "string"},
						"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]}
					},
					"required": ["content", "status"]
				}
			}
		},
		"required": ["todos"]
	}`)
}

func (t *TodoWrite) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Todos []types.Todo `json:"todos"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}

	active := 0
	for i, todo := range params.Todos {
		if todo.Content == "" {
			return "", fmt.Errorf("todo %d: content is required", i)
		}
		switch todo.Status {
		case types.TodoPending, types.TodoCompleted:
		case types.TodoInProgress:
			active++
		default:
			return "", fmt.Errorf("todo %d: invalid status %q", i, todo.Status)
		}
	}
	if active > 1 {
		return "", fmt.Errorf("only one todo may be in_progress, got %d", active)
	}
	if params.Todos == nil {
		params.Todos = []types.Todo{}
	}
	return jsonString(map[string]any{"todos": params.Todos})
}
