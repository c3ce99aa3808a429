package llm

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/stagegate/pkg/schema"
)

// NewLimiter allows perMinute calls per minute with the given burst.
func NewLimiter(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

// WithRateLimit blocks until the limiter grants a token or ctx ends.
func WithRateLimit(l *rate.Limiter) Middleware {
	return func(next Model) Model {
		return &limitedModel{next: next, limiter: l}
	}
}

type limitedModel struct {
	next    Model
	limiter *rate.Limiter
}

func (m *limitedModel) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return m.next.Invoke(ctx, req)
}

func (m *limitedModel) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return StreamOrInvoke(ctx, m.next, req, onDelta)
}

// WithTimeout bounds each call. When the bound, not the caller, ends the
// call the error carries TIMEOUT_ERROR and wraps context.DeadlineExceeded.
func WithTimeout(d time.Duration) Middleware {
	return func(next Model) Model {
		if d <= 0 {
			return next
		}
		return &timeoutModel{next: next, timeout: d}
	}
}

type timeoutModel struct {
	next    Model
	timeout time.Duration
}

func (m *timeoutModel) Invoke(ctx context.Context, req Request) (*Response, error) {
	return m.bounded(ctx, req, func(ctx context.Context) (*Response, error) {
		return m.next.Invoke(ctx, req)
	})
}

func (m *timeoutModel) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	return m.bounded(ctx, req, func(ctx context.Context) (*Response, error) {
		return StreamOrInvoke(ctx, m.next, req, onDelta)
	})
}

func (m *timeoutModel) bounded(parent context.Context, req Request, call func(context.Context) (*Response, error)) (*Response, error) {
	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()

	resp, err := call(ctx)
	if err != nil && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "model call exceeded %s", m.timeout).
			WithStage(req.Stage).
			WithCause(context.DeadlineExceeded)
	}
	return resp, err
}
