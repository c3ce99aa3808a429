package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/stagegate/internal/metrics"
	"github.com/rendis/stagegate/pkg/schema"
)

// RetryConfig bounds how often a failed model call is repeated.
type RetryConfig struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig allows two retries, matching the provider client default.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  2,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// IsRetryableError classifies whether a model error should be retried.
// Retryable: network errors, per-call timeouts, 429 and 5xx statuses.
// Not retryable: caller cancellation, 4xx statuses, open circuits and
// structured errors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// The caller gave up.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Per-call deadline (WithTimeout), not the caller's.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if se, ok := schema.AsError(err); ok {
		if se.Code == schema.ErrCodeCircuitOpen {
			return false
		}
		if se.Cause == nil {
			return se.IsRetryable()
		}
		return se.IsRetryable() || IsRetryableError(se.Cause)
	}

	type hasStatusCode interface {
		StatusCode() int
	}
	var sc hasStatusCode
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"overloaded",
		"rate limit",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown failures are retried; MaxRetries bounds the cost.
	return true
}

// WithRetry retries failed invocations with jittered exponential backoff.
// A streaming call is not retried once a delta has reached the caller.
func WithRetry(cfg RetryConfig, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Model) Model {
		return &retryModel{next: next, cfg: cfg, logger: logger, wait: waitForBackoff}
	}
}

type retryModel struct {
	next   Model
	cfg    RetryConfig
	logger *slog.Logger
	wait   func(ctx context.Context, d time.Duration) error
}

func (m *retryModel) Invoke(ctx context.Context, req Request) (*Response, error) {
	return m.do(ctx, req, func() (*Response, error) {
		return m.next.Invoke(ctx, req)
	}, func() bool { return true })
}

func (m *retryModel) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	emitted := false
	forward := func(d string) {
		emitted = true
		onDelta(d)
	}
	return m.do(ctx, req, func() (*Response, error) {
		return StreamOrInvoke(ctx, m.next, req, forward)
	}, func() bool { return !emitted })
}

func (m *retryModel) do(ctx context.Context, req Request, call func() (*Response, error), canRetry func() bool) (*Response, error) {
	var lastErr error
	attempts := m.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := computeBackoff(m.cfg, attempt)
			m.logger.WarnContext(ctx, "retrying model call",
				"attempt", attempt+1, "max_attempts", attempts, "delay", delay,
				"request", describe(req), "error", lastErr)
			metrics.RecordModelRetry(req.Stage)
			if err := m.wait(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryableError(err) || !canRetry() {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// computeBackoff returns base * 2^(attempt-1), capped, with 50-100% jitter.
func computeBackoff(cfg RetryConfig, attempt int) time.Duration {
	if cfg.BaseBackoff <= 0 {
		return 0
	}
	backoff := cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}

// waitForBackoff sleeps for d or returns early if the context is cancelled.
func waitForBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
