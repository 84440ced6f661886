// Package orchestrator schedules, runs and retries work units.
//
// Units move queued → running → succeeded, or to failed with a backoff
// before the next attempt, or to dead when they cannot succeed. Each
// external capability sits behind a persisted circuit breaker, and at most
// one unit runs per (user, source) pair.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ReasonCancelled is the last error of a unit that was cancelled.
const ReasonCancelled = "cancelled"

var errCancelled = errors.New(ReasonCancelled)

// Outcome is whatever a handler's Run produced for its Commit.
type Outcome any

// Handler processes one kind of work unit.
type Handler interface {
	// Run performs the external call. It may block.
	Run(ctx context.Context, unit *model.WorkUnit) (Outcome, error)
	// Commit turns the outcome into persisted records.
	Commit(ctx context.Context, unit *model.WorkUnit, outcome Outcome) error
	// Abandon records why a unit will never succeed.
	Abandon(ctx context.Context, unit *model.WorkUnit, reason string) error
}

// Config controls the worker pool and retry policy.
type Config struct {
	RateLimits   map[string]float64 // Requests per minute keyed by provider name
	Backoff      Backoff
	Breaker      BreakerConfig
	PollInterval time.Duration
	Workers      int
	MaxAttempts  int // Retries allowed after the first failure
	BatchSize    int
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: time.Second,
		MaxAttempts:  5,
		BatchSize:    100,
		Backoff:      Backoff{Base: 30 * time.Second, Max: time.Hour},
		Breaker:      BreakerConfig{Threshold: 5, Window: 5 * time.Minute, Cooldown: 2 * time.Minute},
	}
}

// claim is a unit the dispatcher moved to running.
type claim struct {
	unit  model.WorkUnit
	trial bool
}

// Orchestrator runs work units from the durable queue.
type Orchestrator struct {
	queue    service.WorkQueue
	breakers *Breakers
	locks    *pairLocks
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	handlers map[model.WorkKind]Handler
	limiters map[string]*rate.Limiter
	wake     chan struct{}
	cfg      Config
	mu       sync.RWMutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records unit and breaker metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator over queue with breakers persisted in store.
func New(queue service.WorkQueue, store service.BreakerStore, cfg Config, opts ...Option) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = defaults.Backoff.Base
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = defaults.Backoff.Max
	}

	o := &Orchestrator{
		queue:    queue,
		cfg:      cfg,
		locks:    newPairLocks(),
		now:      time.Now,
		handlers: make(map[model.WorkKind]Handler),
		limiters: make(map[string]*rate.Limiter),
		wake:     make(chan struct{}, 1),
		logger:   slog.Default().With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.breakers = NewBreakers(store, cfg.Breaker, o.metrics)

	for provider, rpm := range cfg.RateLimits {
		if rpm <= 0 {
			continue
		}
		burst := max(1, int(rpm/60))
		o.limiters[provider] = rate.NewLimiter(rate.Limit(rpm/60), burst)
	}
	return o
}

// Register installs the handler for kind.
func (o *Orchestrator) Register(kind model.WorkKind, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[kind] = h
}

// Breakers exposes the circuit breakers.
func (o *Orchestrator) Breakers() *Breakers {
	return o.breakers
}

func (o *Orchestrator) handler(kind model.WorkKind) (Handler, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handlers[kind]
	return h, ok
}

// limiter returns the call limiter of a breaker key such as "ocr:vision".
func (o *Orchestrator) limiter(breakerKey string) *rate.Limiter {
	_, provider, ok := strings.Cut(breakerKey, ":")
	if !ok {
		provider = breakerKey
	}
	return o.limiters[provider]
}

// Run recovers units left running by a previous process, then dispatches due
// units to the worker pool until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.Recover(ctx); err != nil {
		return err
	}
	o.logger.Info("orchestrator started", "workers", o.cfg.Workers, "poll_interval", o.cfg.PollInterval)

	claims := make(chan claim)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(claims)
		return o.dispatchLoop(gctx, claims)
	})
	for range o.cfg.Workers {
		g.Go(func() error {
			for c := range claims {
				o.execute(gctx, c)
			}
			return nil
		})
	}

	err := g.Wait()
	o.logger.Info("orchestrator stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) dispatchLoop(ctx context.Context, claims chan<- claim) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	handoff := func(c claim) bool {
		select {
		case claims <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		if _, err := o.dispatch(ctx, handoff); err != nil && ctx.Err() == nil {
			o.logger.Error("dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// ProcessDue claims every due unit and runs it in the calling goroutine.
// It returns the number of units run.
func (o *Orchestrator) ProcessDue(ctx context.Context) (int, error) {
	return o.dispatch(ctx, func(c claim) bool {
		o.execute(ctx, c)
		return true
	})
}

// dispatch claims due units and hands each to handoff. Units whose pair is
// busy stay queued; units behind an open breaker are deferred.
func (o *Orchestrator) dispatch(ctx context.Context, handoff func(claim) bool) (int, error) {
	now := o.now()
	due, err := o.queue.ListDueWork(ctx, now, o.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due work: %w", err)
	}

	deferred := make(map[string]bool)
	dispatched := 0
	for _, unit := range due {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		if deferred[unit.BreakerKey] {
			continue
		}

		pair := unit.PairKey()
		if !o.locks.TryLock(pair) {
			continue
		}

		admission, err := o.breakers.Admit(ctx, unit.BreakerKey, now)
		if err != nil {
			o.locks.Unlock(pair)
			return dispatched, err
		}
		if !admission.Admitted {
			o.locks.Unlock(pair)
			if !admission.Until.IsZero() {
				deferred[unit.BreakerKey] = true
				o.deferBreaker(ctx, unit.BreakerKey, admission.Until)
			}
			continue
		}

		if err := o.queue.ClaimWork(ctx, unit.ID, now); err != nil {
			o.locks.Unlock(pair)
			if admission.Trial {
				o.breakers.Release(unit.BreakerKey)
			}
			if common.Classify(err) == common.ClassConflict {
				continue
			}
			return dispatched, fmt.Errorf("failed to claim work unit %s: %w", unit.ID, err)
		}
		unit.State = model.WorkRunning

		c := claim{unit: unit, trial: admission.Trial}
		if !handoff(c) {
			o.requeue(context.WithoutCancel(ctx), c)
			o.locks.Unlock(pair)
			return dispatched, ctx.Err()
		}
		dispatched++
	}
	return dispatched, nil
}

func (o *Orchestrator) deferBreaker(ctx context.Context, key string, until time.Time) {
	n, err := o.queue.DeferBreakerWork(ctx, key, until)
	if err != nil {
		o.logger.Error("failed to defer work behind open breaker", "breaker_key", key, "error", err)
		return
	}
	if n > 0 {
		o.logger.Info("deferred work behind open breaker", "breaker_key", key, "units", n, "until", until)
	}
	o.metrics.unitsDeferred(key, n)
}

// execute runs a claimed unit to completion and releases its pair.
func (o *Orchestrator) execute(ctx context.Context, c claim) {
	unit := c.unit
	defer func() {
		o.locks.Unlock(unit.PairKey())
		select {
		case o.wake <- struct{}{}:
		default:
		}
	}()

	start := o.now()
	logger := o.logger.With("unit_id", unit.ID, "kind", unit.Kind, "user_id", unit.UserID, "attempt", unit.AttemptCount+1)
	logger.Debug("running work unit")

	unitCtx := common.WithLogger(ctx, slog.Default().With("unit_id", unit.ID, "kind", unit.Kind, "attempt", unit.AttemptCount+1))
	err := o.run(unitCtx, &unit)
	outcome := o.finish(ctx, c.trial, &unit, err, logger)
	o.metrics.unitFinished(unit.Kind, outcome, o.now().Sub(start))
}

func (o *Orchestrator) run(ctx context.Context, unit *model.WorkUnit) error {
	h, ok := o.handler(unit.Kind)
	if !ok {
		return common.NewConfigurationError(fmt.Sprintf("no handler for %s", unit.Kind), common.ErrUnknownKind)
	}

	if limiter := o.limiter(unit.BreakerKey); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	outcome, runErr := h.Run(ctx, unit)
	if runErr != nil && ctx.Err() != nil {
		return runErr
	}

	current, err := o.queue.GetWorkUnit(ctx, unit.ID)
	if err != nil {
		return fmt.Errorf("failed to reload work unit: %w", err)
	}
	if current.Cancelled {
		if runErr != nil {
			return errors.Join(errCancelled, runErr)
		}
		return errCancelled
	}
	if runErr != nil {
		return runErr
	}
	return h.Commit(ctx, unit, outcome)
}

// finish records the result of a run and returns the metrics outcome label.
func (o *Orchestrator) finish(ctx context.Context, trial bool, unit *model.WorkUnit, err error, logger *slog.Logger) string {
	// Bookkeeping must land even when shutdown cancelled the run.
	bg := context.WithoutCancel(ctx)
	now := o.now()

	release := func() {
		if trial {
			o.breakers.Release(unit.BreakerKey)
		}
	}

	switch {
	case err == nil:
		unit.State = model.WorkSucceeded
		unit.LastError = ""
		o.update(bg, unit, logger)
		o.recordSuccess(bg, unit.BreakerKey, logger)
		logger.Info("work unit succeeded")
		return "succeeded"

	case errors.Is(err, errCancelled):
		if err == errCancelled {
			// The capability answered, so the breaker counts a success.
			o.recordSuccess(bg, unit.BreakerKey, logger)
		} else {
			release()
		}
		o.bury(bg, unit, ReasonCancelled, logger)
		logger.Info("discarded result of cancelled work unit")
		return "cancelled"

	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		release()
		o.requeue(bg, claim{unit: *unit})
		logger.Info("requeued work unit on shutdown")
		return "requeued"
	}

	switch common.Classify(err) {
	case common.ClassParse:
		release()
		o.bury(bg, unit, err.Error(), logger)
		logger.Warn("work unit payload unreadable", "error", err)
		return "dead"

	case common.ClassConflict:
		release()
		unit.State = model.WorkQueued
		unit.NextAttemptAt = now
		unit.LastError = err.Error()
		o.update(bg, unit, logger)
		logger.Debug("work unit hit a concurrent change, requeued", "error", err)
		return "conflict"

	case common.ClassConfiguration:
		release()
		o.bury(bg, unit, err.Error(), logger)
		logger.Error("work unit misconfigured", "error", err)
		return "dead"
	}

	unit.AttemptCount++
	unit.LastError = err.Error()
	retry := unit.AttemptCount <= o.cfg.MaxAttempts
	if retry {
		unit.State = model.WorkFailed
		unit.NextAttemptAt = now.Add(o.cfg.Backoff.Delay(unit.AttemptCount))
		o.update(bg, unit, logger)
	} else {
		o.bury(bg, unit, err.Error(), logger)
	}

	if common.CountsTowardBreaker(err) {
		opened, until, berr := o.breakers.RecordFailure(bg, unit.BreakerKey, now)
		if berr != nil {
			logger.Error("failed to record breaker failure", "breaker_key", unit.BreakerKey, "error", berr)
		} else if opened {
			o.deferBreaker(bg, unit.BreakerKey, until)
		}
	} else {
		release()
	}

	if !retry {
		logger.Warn("work unit exhausted its attempts", "error", err)
		return "dead"
	}
	logger.Warn("work unit failed, will retry", "error", err, "next_attempt_at", unit.NextAttemptAt)
	return "retried"
}

func (o *Orchestrator) recordSuccess(ctx context.Context, key string, logger *slog.Logger) {
	if err := o.breakers.RecordSuccess(ctx, key); err != nil {
		logger.Error("failed to record breaker success", "breaker_key", key, "error", err)
	}
}

func (o *Orchestrator) update(ctx context.Context, unit *model.WorkUnit, logger *slog.Logger) {
	if err := o.queue.UpdateWorkUnit(ctx, unit, model.WorkRunning); err != nil {
		logger.Error("failed to update work unit", "state", unit.State, "error", err)
	}
}

// requeue returns a running unit to the queue without spending an attempt.
func (o *Orchestrator) requeue(ctx context.Context, c claim) {
	unit := c.unit
	if c.trial {
		o.breakers.Release(unit.BreakerKey)
	}
	unit.State = model.WorkQueued
	unit.NextAttemptAt = o.now()
	if err := o.queue.UpdateWorkUnit(ctx, &unit, model.WorkRunning); err != nil {
		o.logger.Error("failed to requeue work unit", "unit_id", unit.ID, "error", err)
	}
}

// bury marks a running unit dead and fails its evidence with reason.
func (o *Orchestrator) bury(ctx context.Context, unit *model.WorkUnit, reason string, logger *slog.Logger) {
	unit.State = model.WorkDead
	unit.LastError = reason
	o.update(ctx, unit, logger)
	o.abandon(ctx, unit, reason)
}

func (o *Orchestrator) abandon(ctx context.Context, unit *model.WorkUnit, reason string) {
	h, ok := o.handler(unit.Kind)
	if !ok {
		return
	}
	if err := h.Abandon(ctx, unit, reason); err != nil {
		o.logger.Error("failed to abandon work unit", "unit_id", unit.ID, "kind", unit.Kind, "error", err)
	}
}

// Cancel cancels a unit. A waiting unit ends dead at once; a running unit
// finishes and its result is discarded. It returns the state the unit was in.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (model.WorkState, error) {
	previous, err := o.queue.CancelWork(ctx, id, o.now())
	if err != nil {
		return previous, err
	}
	o.logger.Info("work unit cancelled", "unit_id", id, "state", previous)

	if previous == model.WorkQueued || previous == model.WorkFailed {
		unit, err := o.queue.GetWorkUnit(ctx, id)
		if err != nil {
			return previous, fmt.Errorf("failed to reload cancelled work unit: %w", err)
		}
		o.abandon(ctx, unit, ReasonCancelled)
	}
	return previous, nil
}

// Recover requeues units a previous process left running. Cancelled ones
// are retired instead. It returns the number requeued.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	running, err := o.queue.ListWork(ctx, service.WorkFilter{State: model.WorkRunning})
	if err != nil {
		return 0, fmt.Errorf("failed to list running work: %w", err)
	}

	n, err := o.queue.RequeueRunning(ctx, o.now())
	if err != nil {
		return 0, err
	}
	for i := range running {
		if running[i].Cancelled {
			o.abandon(ctx, &running[i], ReasonCancelled)
		}
	}
	if n > 0 {
		o.logger.Info("recovered interrupted work", "units", n)
	}
	return n, nil
}
