package broadcast

import (
	"errors"
	"log/slog"

	"github.com/user/turnstile/internal/types"
)

// LogSink debug-logs every update.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Broadcast(update types.StreamingUpdate) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"session_id", string(update.Session()), "type", string(update.Type())}
	if d, ok := update.(types.StreamingDelta); ok {
		attrs = append(attrs, "message_id", string(d.MessageID), "delta", string(d.Delta.DeltaType()))
	}
	logger.Debug("streaming update", attrs...)
	return nil
}

// Tee forwards each update to every sink and joins their errors.
func Tee(sinks ...Sink) Sink { return tee(sinks) }

type tee []Sink

func (t tee) Broadcast(update types.StreamingUpdate) error {
	var errs []error
	for _, s := range t {
		if err := s.Broadcast(update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
