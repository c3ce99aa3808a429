package llm

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rendis/stagegate/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial calls allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int
}

// BreakerRegistry keeps one circuit per key (the stage name by default).
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	clock    clockwork.Clock
}

// NewBreakerRegistry creates a registry. A nil clock uses the real clock.
func NewBreakerRegistry(config BreakerConfig, clock clockwork.Clock) *BreakerRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		clock:    clock,
	}
}

// Allow returns nil if a call for key may proceed, or a CIRCUIT_OPEN error.
func (r *BreakerRegistry) Allow(key string) error {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		elapsed := r.clock.Since(b.openedAt)
		if elapsed >= r.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1 // this call is the first trial
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %q after %d consecutive failures", key, b.consecutiveFailures).
			WithDetails(map[string]any{
				"key":                  key,
				"consecutive_failures": b.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if b.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %q: trial calls exhausted", key)
		}
		b.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for key.
func (r *BreakerRegistry) RecordSuccess(key string) {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

// RecordFailure counts a failure for key and returns the new state.
func (r *BreakerRegistry) RecordFailure(key string) CircuitState {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == CircuitHalfOpen || b.consecutiveFailures >= r.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.clock.Now()
	}
	return b.state
}

// State returns the current state for key, moving open circuits whose
// cooldown elapsed to half-open.
func (r *BreakerRegistry) State(key string) CircuitState {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.clock.Since(b.openedAt) >= r.config.Cooldown {
		b.state = CircuitHalfOpen
		b.halfOpenAttempts = 0
	}
	return b.state
}

func (r *BreakerRegistry) get(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{state: CircuitClosed}
		r.breakers[key] = b
	}
	return b
}

// WithBreaker rejects calls for a stage whose circuit is open. Caller
// cancellation does not count as a failure.
func WithBreaker(reg *BreakerRegistry) Middleware {
	return func(next Model) Model {
		return &breakerModel{next: next, reg: reg}
	}
}

type breakerModel struct {
	next Model
	reg  *BreakerRegistry
}

func (m *breakerModel) Invoke(ctx context.Context, req Request) (*Response, error) {
	return m.guard(ctx, req, func() (*Response, error) { return m.next.Invoke(ctx, req) })
}

func (m *breakerModel) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	return m.guard(ctx, req, func() (*Response, error) { return StreamOrInvoke(ctx, m.next, req, onDelta) })
}

func (m *breakerModel) guard(ctx context.Context, req Request, call func() (*Response, error)) (*Response, error) {
	if err := m.reg.Allow(req.Stage); err != nil {
		return nil, err.(*schema.Error).WithStage(req.Stage)
	}
	resp, err := call()
	switch {
	case err == nil:
		m.reg.RecordSuccess(req.Stage)
	case ctx.Err() == nil:
		m.reg.RecordFailure(req.Stage)
	}
	return resp, err
}
