// Package dedup decides whether a new piece of evidence is a purchase the
// user already has on record.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
)

// Signal weights. They sum to 1.
const (
	amountWeight   = 0.5
	merchantWeight = 0.3
	timeWeight     = 0.2

	// tipAmountScore is the amount signal for a bank line that exceeds the
	// receipt by no more than the tip tolerance.
	tipAmountScore = 0.8
)

// Config controls matching.
type Config struct {
	Window              time.Duration // Half-width of the date window
	UnknownDateLookback time.Duration // Creation lookback when the candidate has no date
	Threshold           float64
	TipTolerancePercent float64
}

// DefaultConfig returns the standard matching parameters.
func DefaultConfig() Config {
	return Config{
		Window:              72 * time.Hour,
		UnknownDateLookback: 30 * 24 * time.Hour,
		Threshold:           0.7,
		TipTolerancePercent: 25,
	}
}

// Engine resolves evidence against the records already on file.
type Engine struct {
	pool   service.DedupPool
	logger *slog.Logger
	now    func() time.Time
	cfg    Config
}

// NewEngine creates an engine that loads pools from pool.
func NewEngine(pool service.DedupPool, cfg Config) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.UnknownDateLookback <= 0 {
		cfg.UnknownDateLookback = DefaultConfig().UnknownDateLookback
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.TipTolerancePercent < 0 {
		cfg.TipTolerancePercent = 0
	}
	return &Engine{
		pool:   pool,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "dedup"),
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Window returns how far apart two records of one purchase may be dated.
func (e *Engine) Window() time.Duration {
	return e.cfg.Window
}

// Resolve loads the candidate's pool and decides its identity. It does not
// write anything; the caller commits the decision.
func (e *Engine) Resolve(ctx context.Context, candidate *model.Evidence) (model.DedupDecision, error) {
	if candidate == nil {
		return model.DedupDecision{}, fmt.Errorf("nil candidate")
	}
	if !candidate.HasAmount() {
		return model.DedupDecision{Kind: model.DedupUnique}, nil
	}

	pool, err := e.pool.LoadPool(ctx, e.poolQuery(candidate))
	if err != nil {
		return model.DedupDecision{}, fmt.Errorf("failed to load dedup pool: %w", err)
	}

	decision := e.Decide(candidate, pool)
	e.logger.Debug("resolved evidence",
		"evidence_id", candidate.ID,
		"user_id", candidate.UserID,
		"decision", decision.Kind,
		"target", decision.TargetID,
		"score", decision.Score,
		"pool_evidence", len(pool.Evidence),
		"pool_transactions", len(pool.Transactions))
	return decision, nil
}

// poolQuery bounds the pool by purchase date, or by creation time when the
// date is unknown. The creation bound is anchored on the candidate so a
// retried resolution sees the same pool.
func (e *Engine) poolQuery(candidate *model.Evidence) service.PoolQuery {
	q := service.PoolQuery{UserID: candidate.UserID, CandidateID: candidate.ID}
	if candidate.OccurredAt != nil {
		from := candidate.OccurredAt.Add(-e.cfg.Window)
		to := candidate.OccurredAt.Add(e.cfg.Window)
		q.OccurredFrom, q.OccurredTo = &from, &to
		return q
	}
	anchor := candidate.CreatedAt
	if anchor.IsZero() {
		anchor = e.now()
	}
	since := anchor.Add(-e.cfg.UnknownDateLookback)
	q.CreatedSince = &since
	return q
}

// match is one pool record that cleared the threshold.
type match struct {
	created    time.Time
	evidence   *model.Evidence
	txn        *model.Transaction
	id         string
	score      float64
	dateDelta  time.Duration
	hasDateGap bool
}

// Decide is the pure decision over an already loaded pool.
func (e *Engine) Decide(candidate *model.Evidence, pool service.Pool) model.DedupDecision {
	if !candidate.HasAmount() {
		return model.DedupDecision{Kind: model.DedupUnique}
	}

	var matches []match
	for i := range pool.Transactions {
		t := &pool.Transactions[i]
		if t.Removed {
			continue
		}
		score := e.scoreTransaction(candidate, t)
		if score < e.cfg.Threshold {
			continue
		}
		delta, ok := dateDelta(candidate.OccurredAt, &t.OccurredAt)
		matches = append(matches, match{
			txn: t, id: t.ID, score: score, created: t.CreatedAt,
			dateDelta: delta, hasDateGap: ok,
		})
	}
	for i := range pool.Evidence {
		other := &pool.Evidence[i]
		if other.ID == candidate.ID || !other.DedupState.Resolved() {
			continue
		}
		score := e.scoreEvidence(candidate, other)
		if score < e.cfg.Threshold {
			continue
		}
		delta, ok := dateDelta(candidate.OccurredAt, other.OccurredAt)
		matches = append(matches, match{
			evidence: other, id: other.ID, score: score, created: other.CreatedAt,
			dateDelta: delta, hasDateGap: ok,
		})
	}

	if len(matches) == 0 {
		return model.DedupDecision{Kind: model.DedupUnique}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return ranksBefore(matches[i], matches[j])
	})
	best := matches[0]

	if best.txn != nil {
		return model.DedupDecision{Kind: model.DedupLinked, TargetID: best.txn.ID, Score: best.score}
	}

	target := best.evidence
	if createdBefore(target, candidate) {
		return model.DedupDecision{Kind: model.DedupDuplicate, TargetID: target.ID, Score: best.score}
	}

	// The target was created after the candidate but resolved first. The
	// earlier record keeps the identity and inherits the target's link.
	decision := model.DedupDecision{
		Kind:       model.DedupUnique,
		Supersedes: []string{target.ID},
		Score:      best.score,
	}
	if target.DedupState == model.DedupLinked && target.LinkedTransactionID != nil {
		decision.Kind = model.DedupLinked
		decision.TargetID = *target.LinkedTransactionID
	}
	return decision
}

// ranksBefore orders matches by score, then nearest date, then earliest
// creation, then id.
func ranksBefore(a, b match) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.hasDateGap != b.hasDateGap {
		return a.hasDateGap
	}
	if a.dateDelta != b.dateDelta {
		return a.dateDelta < b.dateDelta
	}
	if !a.created.Equal(b.created) {
		return a.created.Before(b.created)
	}
	return a.id < b.id
}

// createdBefore reports whether a was created before b, breaking ties by id.
func createdBefore(a, b *model.Evidence) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func dateDelta(a, b *time.Time) (time.Duration, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	d := a.Sub(*b)
	if d < 0 {
		d = -d
	}
	return d, true
}
