// Package scheduler runs the retention evictor: on a cron schedule it lists
// threads, evaluates an expr rule against each one and evicts the matches.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/rendis/stagegate/internal/expressions"
	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/pkg/schema"
)

const (
	// DefaultSchedule runs the evictor at the top of every hour.
	DefaultSchedule = "0 * * * *"
	// DefaultRule evicts threads idle for a week.
	DefaultRule = "idle_hours >= 168"

	evictReason = "retention"
)

// ThreadSource is the part of the engine the evictor drives.
// Satisfied by *engine.Engine.
type ThreadSource interface {
	Threads(ctx context.Context, filter store.ThreadFilter, where string) ([]*store.ThreadSummary, error)
	Evict(ctx context.Context, threadID, reason string) error
}

// Config configures an Evictor. Empty fields take the defaults above.
type Config struct {
	Schedule string
	Rule     string
}

// Evictor evicts threads matching Rule every time Schedule fires.
type Evictor struct {
	threads  ThreadSource
	schedule cron.Schedule
	spec     string
	rule     string
	exprs    *expressions.ExprEngine
	clock    clockwork.Clock
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	// running guards against overlapping sweeps.
	running sync.Mutex
}

// NewEvictor parses the schedule and compiles the rule.
func NewEvictor(threads ThreadSource, cfg Config, clock clockwork.Clock, logger *slog.Logger) (*Evictor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Rule == "" {
		cfg.Rule = DefaultRule
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	exprs := expressions.NewExprEngine()
	if err := exprs.Check(cfg.Rule, ruleEnv(&store.ThreadSummary{}, time.Time{})); err != nil {
		return nil, err
	}
	return &Evictor{
		threads:  threads,
		schedule: schedule,
		spec:     cfg.Schedule,
		rule:     cfg.Rule,
		exprs:    exprs,
		clock:    clock,
		logger:   logger,
	}, nil
}

// ParseSchedule parses a standard five-field cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", spec, err.Error()).
			WithCause(err)
	}
	return schedule, nil
}

// Start launches the background loop.
func (e *Evictor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.done != nil {
		e.mu.Unlock()
		return fmt.Errorf("evictor already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.loop(loopCtx)
	e.logger.Info("evictor started", slog.String("schedule", e.spec), slog.String("rule", e.rule))
	return nil
}

func (e *Evictor) loop(ctx context.Context) {
	defer close(e.done)

	for {
		now := e.clock.Now()
		timer := e.clock.NewTimer(e.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
			if _, err := e.Sweep(ctx); err != nil {
				e.logger.Error("eviction sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep evaluates the rule against every thread once and evicts the
// matches. It returns the evicted thread ids.
func (e *Evictor) Sweep(ctx context.Context) ([]string, error) {
	if !e.running.TryLock() {
		e.logger.Debug("eviction sweep already running")
		return nil, nil
	}
	defer e.running.Unlock()

	threads, err := e.threads.Threads(ctx, store.ThreadFilter{}, "")
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	now := e.clock.Now()
	var evicted []string
	for _, t := range threads {
		match, err := e.exprs.EvaluateBool(ctx, e.rule, ruleEnv(t, now))
		if err != nil {
			return evicted, err
		}
		if !match {
			continue
		}
		if err := e.threads.Evict(ctx, t.ThreadID, evictReason); err != nil {
			// Another caller may have evicted it first.
			if schema.IsCode(err, schema.ErrCodeUnknownThread) {
				continue
			}
			e.logger.Error("failed to evict thread",
				slog.String("thread_id", t.ThreadID),
				slog.String("error", err.Error()),
			)
			continue
		}
		evicted = append(evicted, t.ThreadID)
	}

	if len(evicted) > 0 {
		e.logger.Info("evicted threads", slog.Int("count", len(evicted)))
	}
	return evicted, nil
}

// Stop shuts the loop down and waits for it to exit.
func (e *Evictor) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel == nil {
		return nil
	}

	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil

	e.logger.Info("evictor stopped")
	return nil
}

// ruleEnv is the environment a retention rule sees.
func ruleEnv(t *store.ThreadSummary, now time.Time) map[string]any {
	return map[string]any{
		"thread_id":     t.ThreadID,
		"current_stage": t.CurrentStage,
		"status":        string(t.Status),
		"done":          t.Status == schema.ThreadStatusDone,
		"revision":      t.Revision,
		"age_hours":     now.Sub(t.CreatedAt).Hours(),
		"idle_hours":    now.Sub(t.UpdatedAt).Hours(),
	}
}
