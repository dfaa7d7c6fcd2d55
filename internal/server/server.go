// Package server exposes sessions, turns and live updates over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/user/turnstile/internal/broadcast"
	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

// Turns is the slice of the gateway the HTTP API drives.
type Turns interface {
	Submit(ctx context.Context, id types.SessionID, parts []types.UserPart, opts ...gateway.RunOption) (llm.Usage, error)
	SubmitAsync(id types.SessionID, parts []types.UserPart, opts ...gateway.RunOption)
	HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) (types.SessionID, llm.Usage, error)
	StopTurn(id types.SessionID) bool
}

var _ Turns = (*gateway.Gateway)(nil)

// Options wires the server to the rest of the daemon. TurnLog, Artifacts,
// Tasks and Hub may be nil; their routes then answer 503.
type Options struct {
	Turns        Turns
	Sessions     types.SessionStore
	TurnLog      types.TurnLog
	Artifacts    types.ArtifactStore
	Tasks        *state.TaskStore
	Hub          *broadcast.Hub
	DefaultModel string
	// Heartbeat is the SSE keep-alive interval (default 15s).
	Heartbeat time.Duration
}

// Server is the gin-backed HTTP API.
type Server struct {
	opts     Options
	router   *gin.Engine
	upgrader websocket.Upgrader
}

func New(opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		opts:   opts,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:id", s.handleGetSession)
	api.POST("/sessions/:id/messages", s.handleSubmit)
	api.POST("/sessions/:id/stop", s.handleStop)
	api.GET("/sessions/:id/turns", s.handleTurns)
	api.GET("/sessions/:id/events", s.handleSSE)
	api.GET("/sessions/:id/ws", s.handleWebSocket)
	api.GET("/sessions/:id/artifacts", s.handleListArtifacts)
	api.GET("/artifacts/:id", s.handleArtifact)

	s.router.POST("/webhook", s.handleAdHoc)
	s.router.POST("/webhook/:name", s.handleNamedTask)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("http server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func abortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// turnStatus maps a turn error to an HTTP status.
func turnStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, types.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
