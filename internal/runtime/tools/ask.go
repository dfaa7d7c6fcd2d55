package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Question is one structured question put to the user.
type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// AskUser parks the turn on questions for the user. Its result is marked
// pending, which ends the turn with the session waiting on the user.
type AskUser struct{}

func NewAskUser() *AskUser { return &AskUser{} }

func (t *AskUser) Name() string { return "ask_user" }
func (t *AskUser) Description() string {
	return "Ask the user one or more questions and stop until they answer"
}
func (t *AskUser) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"questions": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"question": {"type": "string"},
						"options": {"type": "array", "items": {"type": "string"}}
					},
					"required": ["question"]
				}
			}
		},
		"required": ["questions"]
	}`)
}

func (t *AskUser) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Questions []Question `json:"questions"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if len(params.Questions) == 0 {
		return "", fmt.Errorf("at least one question is required")
	}
	for i, q := range params.Questions {
		if strings.TrimSpace(q.Question) == "" {
			return "", fmt.Errorf("question %d is empty", i)
		}
	}
	return jsonString(map[string]any{"status": "pending", "questions": params.Questions})
}
