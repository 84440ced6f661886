// Package ingest accepts receipts from every source and runs them through
// normalization, identity resolution and categorization.
//
// Intake creates pending evidence and the work that will process it. The
// handlers in this package are registered with the orchestrator, one per
// work kind.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Veraticus/spendlot/internal/categorize"
	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/dedup"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/normalize"
	"github.com/Veraticus/spendlot/internal/service"
)

// Store is the persistence ingestion needs.
type Store interface {
	service.EvidenceStore
	service.TransactionStore
	service.ProfileStore
	service.BlobStore
	service.AccountStore
	service.WorkQueue
}

// Pipeline turns raw evidence into committed, resolved and categorized
// records.
type Pipeline struct {
	store       Store
	normalizer  *normalize.Registry
	dedup       *dedup.Engine
	categorizer *categorize.Engine
	metrics     *Metrics
	logger      *slog.Logger
	currency    string
}

// NewPipeline creates a pipeline. currency is used when neither the source
// nor the user's profile names one. metrics may be nil.
func NewPipeline(store Store, normalizer *normalize.Registry, engine *dedup.Engine, categorizer *categorize.Engine, currency string, metrics *Metrics) *Pipeline {
	if normalizer == nil {
		normalizer = normalize.DefaultRegistry()
	}
	return &Pipeline{
		store:       store,
		normalizer:  normalizer,
		dedup:       engine,
		categorizer: categorizer,
		currency:    model.NormalizeCurrency(currency, model.DefaultCurrency),
		metrics:     metrics,
		logger:      slog.Default().With("component", "pipeline"),
	}
}

// Defaults returns the normalization defaults of userID.
func (p *Pipeline) Defaults(ctx context.Context, userID string) (normalize.Defaults, error) {
	profile, err := p.store.GetUserProfile(ctx, userID)
	if errors.Is(err, common.ErrNotFound) {
		return normalize.Defaults{Currency: p.currency}, nil
	}
	if err != nil {
		return normalize.Defaults{}, fmt.Errorf("failed to load user profile: %w", err)
	}
	return normalize.Defaults{Currency: model.NormalizeCurrency(profile.Currency, p.currency)}, nil
}

// Process normalizes raw into the stored evidence ev, resolves its identity,
// categorizes it and commits everything at once. ev is updated in place.
// Evidence that already completed is left alone.
func (p *Pipeline) Process(ctx context.Context, ev *model.Evidence, raw model.RawEvidence) error {
	if ev.Status == model.StatusCompleted {
		return nil
	}

	defaults, err := p.Defaults(ctx, ev.UserID)
	if err != nil {
		return err
	}

	raw.UserID = ev.UserID
	raw.EvidenceID = ev.ID
	normalized, err := p.normalizer.Normalize(raw, defaults)
	if err != nil {
		return err
	}

	candidate := *ev
	candidate.MerchantName = normalized.MerchantName
	candidate.Amount = normalized.Amount
	candidate.Currency = normalized.Currency
	candidate.OccurredAt = normalized.OccurredAt
	candidate.RawText = normalized.RawText
	candidate.Confidence = normalized.Confidence
	candidate.Status = model.StatusCompleted
	candidate.FailureReason = ""
	if candidate.ExternalID == "" {
		candidate.ExternalID = normalized.ExternalID
	}

	decision, err := p.dedup.Resolve(ctx, &candidate)
	if err != nil {
		return err
	}

	result, err := p.categorizer.Categorize(ctx, categorize.EvidenceSubject(&candidate))
	if err != nil {
		return err
	}
	result.ApplyToEvidence(&candidate)

	if err := p.store.CommitResolution(ctx, &candidate, decision); err != nil {
		return err
	}
	*ev = candidate

	p.metrics.evidenceProcessed(ev.SourceKind, decision.Kind)
	p.log(ctx).Info("evidence processed",
		"evidence_id", ev.ID,
		"user_id", ev.UserID,
		"source", ev.SourceKind,
		"merchant", ev.MerchantName,
		"dedup", decision.Kind,
		"target_id", decision.TargetID,
		"score", decision.Score,
		"category_source", result.Source)
	return nil
}

// Fail marks evidence failed with a reason a person can read. Completed
// evidence is never failed.
func (p *Pipeline) Fail(ctx context.Context, evidenceID, reason string) error {
	for range 3 {
		ev, err := p.store.GetEvidence(ctx, evidenceID)
		if err != nil {
			return err
		}
		if ev.Status == model.StatusCompleted || (ev.Status == model.StatusFailed && ev.FailureReason == reason) {
			return nil
		}

		ev.Status = model.StatusFailed
		ev.FailureReason = reason
		err = p.store.UpdateEvidence(ctx, ev)
		if common.Classify(err) == common.ClassConflict {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to mark evidence failed: %w", err)
		}
		p.metrics.evidenceFailed(ev.SourceKind)
		p.log(ctx).Warn("evidence failed", "evidence_id", ev.ID, "user_id", ev.UserID, "reason", reason)
		return nil
	}
	return common.NewConflictError("evidence", evidenceID)
}

// log returns the logger of the work unit being run, if any.
func (p *Pipeline) log(ctx context.Context) *slog.Logger {
	if _, ok := ctx.Value(common.LoggerKey{}).(*slog.Logger); ok {
		return common.LoggerFrom(ctx).With("component", "pipeline")
	}
	return p.logger
}
