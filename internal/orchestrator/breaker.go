package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
)

// BreakerConfig controls when a capability is considered down.
type BreakerConfig struct {
	Threshold int           // Failures inside Window that open the breaker
	Window    time.Duration // Sliding failure window
	Cooldown  time.Duration // Time spent open before a trial is allowed
}

// Breakers tracks one persisted circuit breaker per capability key.
// A half-open breaker admits a single trial unit at a time.
type Breakers struct {
	store   service.BreakerStore
	logger  *slog.Logger
	metrics *Metrics
	trials  map[string]bool
	cfg     BreakerConfig
	mu      sync.Mutex
}

// NewBreakers creates breakers persisted in store. metrics may be nil.
func NewBreakers(store service.BreakerStore, cfg BreakerConfig, metrics *Metrics) *Breakers {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Minute
	}
	return &Breakers{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		trials:  make(map[string]bool),
		logger:  slog.Default().With("component", "breaker"),
	}
}

// State returns the persisted state of key; an unknown key is closed.
func (b *Breakers) State(ctx context.Context, key string) (*model.CircuitState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(ctx, key)
}

func (b *Breakers) load(ctx context.Context, key string) (*model.CircuitState, error) {
	state, err := b.store.GetBreaker(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return &model.CircuitState{BreakerKey: key, State: model.BreakerClosed}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker %s: %w", key, err)
	}
	return state, nil
}

func (b *Breakers) save(ctx context.Context, state *model.CircuitState, from model.BreakerState) error {
	if err := b.store.SaveBreaker(ctx, state); err != nil {
		return err
	}
	if from != state.State {
		b.logger.Info("breaker transition",
			"breaker_key", state.BreakerKey, "from", from, "to", state.State, "failures", state.FailureCount)
		b.metrics.breakerTransition(state.BreakerKey, state.State)
	}
	return nil
}

// Admission is a breaker's answer for one unit.
type Admission struct {
	Until    time.Time // End of the cooldown when the breaker is open
	Admitted bool
	Trial    bool // The unit is the single half-open trial
}

// Admit decides whether a unit guarded by key may run at now. A refusal
// with a zero Until means a half-open trial is already in flight.
func (b *Breakers) Admit(ctx context.Context, key string, now time.Time) (Admission, error) {
	if key == "" {
		return Admission{Admitted: true}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.load(ctx, key)
	if err != nil {
		return Admission{}, err
	}

	switch state.State {
	case model.BreakerOpen:
		until := b.cooldownEnd(state, now)
		if now.Before(until) {
			return Admission{Until: until}, nil
		}
		state.State = model.BreakerHalfOpen
		if err := b.save(ctx, state, model.BreakerOpen); err != nil {
			return Admission{}, err
		}
		fallthrough
	case model.BreakerHalfOpen:
		if b.trials[key] {
			return Admission{}, nil
		}
		b.trials[key] = true
		return Admission{Admitted: true, Trial: true}, nil
	}
	return Admission{Admitted: true}, nil
}

func (b *Breakers) cooldownEnd(state *model.CircuitState, now time.Time) time.Time {
	if state.OpenedAt == nil {
		return now
	}
	return state.OpenedAt.Add(b.cfg.Cooldown)
}

// Release gives up a half-open trial without recording an outcome.
func (b *Breakers) Release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.trials, key)
}

// RecordSuccess clears the failures of key and closes a half-open breaker.
// An open breaker keeps its cooldown; only a trial after it can close it.
func (b *Breakers) RecordSuccess(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.load(ctx, key)
	if err != nil {
		return err
	}
	if state.State == model.BreakerOpen {
		// A unit admitted before the breaker opened.
		return nil
	}
	delete(b.trials, key)
	if state.State == model.BreakerClosed && state.FailureCount == 0 {
		return nil
	}
	from := state.State
	state.State = model.BreakerClosed
	state.OpenedAt = nil
	state.Failures = nil
	state.FailureCount = 0
	return b.save(ctx, state, from)
}

// RecordFailure counts a capability failure at now. When the breaker opens,
// opened is true and until is the end of the cooldown.
func (b *Breakers) RecordFailure(ctx context.Context, key string, now time.Time) (opened bool, until time.Time, err error) {
	if key == "" {
		return false, time.Time{}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.trials, key)

	state, err := b.load(ctx, key)
	if err != nil {
		return false, time.Time{}, err
	}
	from := state.State

	switch state.State {
	case model.BreakerOpen:
		// A unit admitted before the breaker opened. The cooldown stands.
		return false, time.Time{}, nil
	case model.BreakerHalfOpen:
		state.Failures = []time.Time{now}
	default:
		cutoff := now.Add(-b.cfg.Window)
		kept := state.Failures[:0]
		for _, f := range state.Failures {
			if f.After(cutoff) {
				kept = append(kept, f)
			}
		}
		state.Failures = append(kept, now)
	}
	state.FailureCount = len(state.Failures)

	if from == model.BreakerHalfOpen || state.FailureCount >= b.cfg.Threshold {
		openedAt := now
		state.State = model.BreakerOpen
		state.OpenedAt = &openedAt
		opened = true
		until = now.Add(b.cfg.Cooldown)
	}
	if err := b.save(ctx, state, from); err != nil {
		return false, time.Time{}, err
	}
	return opened, until, nil
}
