package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

type createSessionRequest struct {
	Key   string `json:"key"`
	Model string `json:"model"`
	Agent string `json:"agent"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortError(c, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	model := req.Model
	if model == "" {
		model = s.opts.DefaultModel
	}
	ctx := c.Request.Context()

	session := types.NewSession(types.SessionKey(req.Key), types.SourceMain, model)
	session.AgentID = req.Agent
	if err := s.opts.Sessions.Create(ctx, session); err != nil {
		if req.Key == "" {
			abortError(c, http.StatusInternalServerError, err.Error())
			return
		}
		// The key is taken: hand back the session bound to it.
		id, err := s.opts.Sessions.ResolveOrCreate(ctx, types.SessionKey(req.Key), types.SourceMain, model)
		if err != nil {
			abortError(c, http.StatusInternalServerError, err.Error())
			return
		}
		existing, err := s.opts.Sessions.Get(ctx, id)
		if err != nil {
			abortError(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, existing)
		return
	}
	c.JSON(http.StatusCreated, session)
}

type sessionSummary struct {
	ID          types.SessionID  `json:"id"`
	Key         types.SessionKey `json:"key,omitempty"`
	Status      types.Status     `json:"status"`
	Source      types.Source     `json:"source"`
	IsStreaming bool             `json:"is_streaming"`
	Cost        float64          `json:"cost"`
	ModelID     string           `json:"model_id"`
	AgentID     string           `json:"agent_id,omitempty"`
	Messages    int              `json:"messages"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.opts.Sessions.List(c.Request.Context())
	if err != nil {
		abortError(c, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummary{
			ID:          sess.ID,
			Key:         sess.Key,
			Status:      sess.Status,
			Source:      sess.Source,
			IsStreaming: sess.IsStreaming,
			Cost:        sess.Cost,
			ModelID:     sess.ModelID,
			AgentID:     sess.AgentID,
			Messages:    len(sess.Conversation),
			CreatedAt:   sess.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt:   sess.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	c.JSON(http.StatusOK, out)
}

// session loads the :id session or writes a 404.
func (s *Server) session(c *gin.Context) (*types.Session, bool) {
	sess, ok, err := s.opts.Sessions.Lookup(c.Request.Context(), types.SessionID(c.Param("id")))
	if err != nil {
		abortError(c, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if !ok {
		abortError(c, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess)
}

type submitRequest struct {
	Text  string           `json:"text"`
	Parts []types.UserPart `json:"parts"`
	Agent string           `json:"agent"`
}

// handleSubmit appends a user message and starts a turn. It answers 202
// immediately unless ?wait=true, in which case it blocks until the turn
// ends and returns the usage and final text.
func (s *Server) handleSubmit(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid JSON")
		return
	}
	parts := req.Parts
	if len(parts) == 0 {
		if req.Text == "" {
			abortError(c, http.StatusBadRequest, "text or parts required")
			return
		}
		parts = []types.UserPart{types.TextPart(req.Text)}
	}
	var opts []gateway.RunOption
	if req.Agent != "" {
		opts = append(opts, gateway.WithAgent(req.Agent))
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		s.opts.Turns.SubmitAsync(sess.ID, parts, opts...)
		c.JSON(http.StatusAccepted, gin.H{"session_id": sess.ID, "status": "accepted"})
		return
	}

	var response string
	opts = append(opts, gateway.WithOnComplete(func(text string) { response = text }))
	usage, err := s.opts.Turns.Submit(c.Request.Context(), sess.ID, parts, opts...)
	if err != nil {
		abortError(c, turnStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, turnResponse{SessionID: sess.ID, Response: response, Usage: usage})
}

type turnResponse struct {
	SessionID types.SessionID `json:"session_id"`
	Response  string          `json:"response"`
	Usage     llm.Usage       `json:"usage"`
}

func (s *Server) handleStop(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": s.opts.Turns.StopTurn(sess.ID)})
}

func (s *Server) handleTurns(c *gin.Context) {
	if s.opts.TurnLog == nil {
		abortError(c, http.StatusServiceUnavailable, "turn log not configured")
		return
	}
	limit := 50
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		limit = n
	}
	records, err := s.opts.TurnLog.Tail(c.Request.Context(), types.SessionID(c.Param("id")), limit)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*types.TurnRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleListArtifacts(c *gin.Context) {
	if s.opts.Artifacts == nil {
		abortError(c, http.StatusServiceUnavailable, "artifacts not configured")
		return
	}
	sess, ok := s.session(c)
	if !ok {
		return
	}
	metas, err := s.opts.Artifacts.List(c.Request.Context(), sess.ID)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, metas)
}

func (s *Server) handleArtifact(c *gin.Context) {
	if s.opts.Artifacts == nil {
		abortError(c, http.StatusServiceUnavailable, "artifacts not configured")
		return
	}
	id := types.ArtifactID(c.Param("id"))
	meta, err := s.opts.Artifacts.GetMeta(c.Request.Context(), id)
	if errors.Is(err, types.ErrArtifactNotFound) {
		abortError(c, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err.Error())
		return
	}
	data, err := s.opts.Artifacts.Get(c.Request.Context(), id)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Header("X-Artifact-Tool", meta.Tool)
	c.Header("X-Artifact-Session", string(meta.SessionID))
	if meta.MimeType == "text/plain" {
		var text string
		if err := json.Unmarshal(data, &text); err == nil {
			c.String(http.StatusOK, text)
			return
		}
	}
	c.Data(http.StatusOK, "application/json", data)
}
