package gateway

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/user/turnstile/pkg/llm"
)

// RetryPolicy retries opening a provider stream with exponential backoff.
// Once a stream has produced a chunk the step is never retried, so the
// policy only ever wraps the open call.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter spreads each delay by up to this fraction in either
	// direction. Zero keeps delays exact.
	Jitter float64
}

// DefaultRetryPolicy makes 3 attempts, waiting about 1s then 2s.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		Jitter:       0.2,
	}
}

// ShouldRetry reports whether attempt (1-indexed) failed with err in a way
// worth another try.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	return attempt < p.MaxAttempts && Retryable(err)
}

// Provider SDK errors render as `POST "https://…": 429 Too Many Requests`.
var statusPattern = regexp.MustCompile(`": (\d{3}) `)

var (
	transientMessages = []string{"connection refused", "connection reset", "timeout", "temporary failure", "rate limit", "overloaded"}
	permanentMessages = []string{"invalid", "unauthorized", "forbidden"}
)

// Retryable classifies err. Cancellation and a missing API key are final.
// Network failures and HTTP 408, 409, 429 and 5xx are transient; other 4xx
// are not. Errors that match nothing are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, llm.ErrMissingAPIKey) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code == 408 || code == 409 || code == 429 || code >= 500:
			return true
		case code >= 400:
			return false
		}
	}
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range permanentMessages {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}

// NextDelay is the wait after the given failed attempt (1-indexed):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay, then jittered.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := math.Min(float64(p.InitialDelay)*math.Pow(p.Multiplier, float64(attempt-1)), float64(p.MaxDelay))
	if p.Jitter > 0 {
		delay *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(delay)
}

// Execute calls fn until it succeeds, fails permanently or runs out of
// attempts, and returns fn's last error. A done ctx ends the wait between
// attempts early.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !p.ShouldRetry(err, attempt) {
			return err
		}
		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
