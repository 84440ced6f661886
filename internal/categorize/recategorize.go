package categorize

import (
	"context"
	"fmt"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
)

// Record kinds reported by Recategorize.
const (
	KindEvidence    = "evidence"
	KindTransaction = "transaction"
)

// RecategorizeOptions selects the records Recategorize revisits.
type RecategorizeOptions struct {
	UserID      string // Empty means every user
	IncludeAuto bool   // Also revisit history and keyword matches
	DryRun      bool
	Limit       int // Per record kind; zero means no limit
}

func (o RecategorizeOptions) sources() []model.CategorySource {
	sources := []model.CategorySource{SourceNone, SourceFallback}
	if o.IncludeAuto {
		sources = append(sources, SourceHistory, SourceKeyword)
	}
	return sources
}

// Change is one category that Recategorize moved, or would move.
type Change struct {
	From     *int64
	To       *int64
	ID       string
	Kind     string
	UserID   string
	Merchant string
	Source   Source
}

// RecategorizeSummary reports what a Recategorize pass did.
type RecategorizeSummary struct {
	Changes  []Change
	Examined int
	Skipped  int // Records a person categorized while the pass ran
}

// Recategorize runs completed receipts and live bank transactions that were
// left uncategorized or on the default category back through Categorize.
// Manual categories are never read or written.
func (e *Engine) Recategorize(ctx context.Context, opts RecategorizeOptions) (*RecategorizeSummary, error) {
	summary := &RecategorizeSummary{}
	if err := e.recategorizeEvidence(ctx, opts, summary); err != nil {
		return summary, err
	}
	if err := e.recategorizeTransactions(ctx, opts, summary); err != nil {
		return summary, err
	}
	e.logger.Info("recategorized",
		"user_id", opts.UserID,
		"examined", summary.Examined,
		"changed", len(summary.Changes),
		"skipped", summary.Skipped,
		"dry_run", opts.DryRun)
	return summary, nil
}

// RecategorizeStale is the periodic form of Recategorize: every user, no
// auto matches, changes applied.
func (e *Engine) RecategorizeStale(ctx context.Context) (int, error) {
	summary, err := e.Recategorize(ctx, RecategorizeOptions{})
	if err != nil {
		return 0, err
	}
	return len(summary.Changes), nil
}

func (e *Engine) recategorizeEvidence(ctx context.Context, opts RecategorizeOptions, summary *RecategorizeSummary) error {
	items, err := e.store.ListEvidence(ctx, service.EvidenceFilter{
		UserID:          opts.UserID,
		Status:          model.StatusCompleted,
		CategorySources: opts.sources(),
		Limit:           opts.Limit,
	})
	if err != nil {
		return fmt.Errorf("failed to list evidence: %w", err)
	}

	for i := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := &items[i]
		summary.Examined++
		result, err := e.Categorize(ctx, EvidenceSubject(ev))
		if err != nil {
			return fmt.Errorf("failed to categorize evidence %s: %w", ev.ID, err)
		}
		if sameCategory(ev.CategoryID, result.CategoryID) {
			continue
		}

		change := Change{From: ev.CategoryID, To: result.CategoryID, ID: ev.ID, Kind: KindEvidence, UserID: ev.UserID, Merchant: ev.MerchantName, Source: result.Source}
		if !opts.DryRun {
			result.ApplyToEvidence(ev)
			err := e.store.UpdateEvidence(ctx, ev)
			if common.Classify(err) == common.ClassConflict {
				summary.Skipped++
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to update evidence %s: %w", ev.ID, err)
			}
		}
		summary.Changes = append(summary.Changes, change)
	}
	return nil
}

func (e *Engine) recategorizeTransactions(ctx context.Context, opts RecategorizeOptions, summary *RecategorizeSummary) error {
	txns, err := e.store.ListTransactions(ctx, service.TransactionFilter{
		UserID:          opts.UserID,
		CategorySources: opts.sources(),
		ExcludeRemoved:  true,
		Limit:           opts.Limit,
	})
	if err != nil {
		return fmt.Errorf("failed to list transactions: %w", err)
	}

	for i := range txns {
		if err := ctx.Err(); err != nil {
			return err
		}
		txn := &txns[i]
		summary.Examined++
		result, err := e.Categorize(ctx, TransactionSubject(txn))
		if err != nil {
			return fmt.Errorf("failed to categorize transaction %s: %w", txn.ID, err)
		}
		if sameCategory(txn.CategoryID, result.CategoryID) {
			continue
		}

		merchant := txn.MerchantName
		if merchant == "" {
			merchant = txn.Name
		}
		change := Change{From: txn.CategoryID, To: result.CategoryID, ID: txn.ID, Kind: KindTransaction, UserID: txn.UserID, Merchant: merchant, Source: result.Source}
		if !opts.DryRun {
			err := e.store.UpdateTransactionCategory(ctx, txn.ID, result.CategoryID, result.Auto, result.Source)
			if common.Classify(err) == common.ClassConflict {
				summary.Skipped++
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to update transaction %s: %w", txn.ID, err)
			}
		}
		summary.Changes = append(summary.Changes, change)
	}
	return nil
}

func sameCategory(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
