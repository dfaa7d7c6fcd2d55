package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/user/turnstile/internal/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsReadLimit  = 4096
	streamBuffer = 256
)

// handleSSE streams the session's updates as server-sent events. The event
// name is the update type and the data is its JSON envelope.
func (s *Server) handleSSE(c *gin.Context) {
	if s.opts.Hub == nil {
		abortError(c, http.StatusServiceUnavailable, "live updates not configured")
		return
	}
	sess, ok := s.session(c)
	if !ok {
		return
	}
	updates, cancel := s.opts.Hub.Subscribe(sess.ID, streamBuffer)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeSSE(c.Writer, "connected", gin.H{"session_id": sess.ID})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		case update, ok := <-updates:
			if !ok {
				return
			}
			writeSSE(c.Writer, string(update.Type()), update)
			c.Writer.Flush()
		}
	}
}

func writeSSE(w io.Writer, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Warn("encode sse event", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

// handleWebSocket streams the session's updates as JSON text frames.
// Incoming frames are ignored; the connection ends when the client closes
// it or the hub shuts down.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.opts.Hub == nil {
		abortError(c, http.StatusServiceUnavailable, "live updates not configured")
		return
	}
	sess, ok := s.session(c)
	if !ok {
		return
	}
	updates, cancel := s.opts.Hub.Subscribe(sess.ID, streamBuffer)
	defer cancel()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "session_id", string(sess.ID), "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(wsReadLimit)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.opts.Heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case update, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := writeUpdate(conn, update); err != nil {
				slog.Debug("websocket write failed", "session_id", string(sess.ID), "error", err)
				return
			}
		}
	}
}

func writeUpdate(conn *websocket.Conn, update types.StreamingUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
