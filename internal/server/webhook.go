package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
)

const (
	defaultWebhookKey = "webhook:adhoc"
	maxWebhookBody    = 1 << 20
)

type adHocRequest struct {
	Prompt     string          `json:"prompt"`
	SessionKey string          `json:"session_key"`
	Agent      string          `json:"agent"`
	Payload    json.RawMessage `json:"payload"`
}

// handleAdHoc runs a one-off AUTOMATION turn and waits for its result.
func (s *Server) handleAdHoc(c *gin.Context) {
	var req adHocRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Prompt == "" {
		abortError(c, http.StatusBadRequest, "prompt is required")
		return
	}
	key := req.SessionKey
	if key == "" {
		key = defaultWebhookKey
	}
	var payload string
	if p := bytes.TrimSpace(req.Payload); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
		payload = string(p)
	}
	s.runAutomation(c, "", key, req.Agent, types.AutomationParts(req.Prompt, payload))
}

// handleNamedTask fires a stored task. The raw request body, if any, is
// handed to the model as the trigger payload.
func (s *Server) handleNamedTask(c *gin.Context) {
	if s.opts.Tasks == nil {
		abortError(c, http.StatusServiceUnavailable, "tasks not configured")
		return
	}
	name := c.Param("name")
	task, err := s.opts.Tasks.Get(name)
	if errors.Is(err, state.ErrTaskNotFound) {
		abortError(c, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		slog.Error("load task", "task", name, "error", err)
		abortError(c, http.StatusInternalServerError, "load task")
		return
	}
	if !task.Enabled {
		abortError(c, http.StatusForbidden, "task is disabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		abortError(c, http.StatusBadRequest, "read body")
		return
	}
	s.runAutomation(c, name, task.SessionKey, task.Agent, types.AutomationParts(task.Prompt, string(bytes.TrimSpace(body))))
}

func (s *Server) runAutomation(c *gin.Context, task, key, agent string, parts []types.UserPart) {
	var response string
	opts := []gateway.RunOption{gateway.WithOnComplete(func(text string) { response = text })}
	if agent != "" {
		opts = append(opts, gateway.WithAgent(agent))
	}

	event := &types.InboundEvent{
		Source:     types.SourceAutomation,
		SessionKey: types.SessionKey(key),
		Parts:      parts,
	}
	id, usage, err := s.opts.Turns.HandleInbound(c.Request.Context(), event, opts...)
	if err != nil {
		slog.Error("webhook turn failed", "task", task, "session_key", key, "error", err)
		abortError(c, turnStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, turnResponse{SessionID: id, Response: response, Usage: usage})
}
