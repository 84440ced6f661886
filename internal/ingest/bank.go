package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/spendlot/internal/categorize"
	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/dedup"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/normalize"
	"github.com/Veraticus/spendlot/internal/orchestrator"
	"github.com/Veraticus/spendlot/internal/service"
)

// maxSyncPages bounds one sync so a provider that never stops paging
// cannot pin a worker.
const maxSyncPages = 100

// BankHandler syncs bank feeds and links new transactions to receipts
// already on file.
type BankHandler struct {
	store       Store
	pipeline    *Pipeline
	dedup       *dedup.Engine
	categorizer *categorize.Engine
	feeds       map[string]service.BankFeed
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

var _ orchestrator.Handler = (*BankHandler)(nil)

// NewBankHandler creates the handler for bank_sync units. feeds maps a
// source account provider to its feed.
func NewBankHandler(store Store, pipeline *Pipeline, engine *dedup.Engine, categorizer *categorize.Engine, feeds map[string]service.BankFeed, metrics *Metrics) *BankHandler {
	return &BankHandler{
		store:       store,
		pipeline:    pipeline,
		dedup:       engine,
		categorizer: categorizer,
		feeds:       feeds,
		metrics:     metrics,
		now:         time.Now,
		logger:      slog.Default().With("component", "bank"),
	}
}

// SetClock replaces time.Now.
func (h *BankHandler) SetClock(now func() time.Time) {
	h.now = now
}

type bankOutcome struct {
	polledAt time.Time
	account  *model.SourceAccount
	cursor   string
	changed  []model.Transaction
	removed  []string
	added    int
}

// Run implements orchestrator.Handler. It pages through every change since
// the account's cursor. The unit's cursor is only a snapshot from when it
// was enqueued; an earlier sync may have moved the account past it.
func (h *BankHandler) Run(ctx context.Context, unit *model.WorkUnit) (orchestrator.Outcome, error) {
	account, err := loadAccount(ctx, h.store, unit)
	if err != nil {
		return nil, err
	}
	feed, ok := h.feeds[account.Provider]
	if !ok || feed == nil {
		return nil, common.NewConfigurationError(fmt.Sprintf("no bank feed for provider %q", account.Provider), common.ErrMissingConfig)
	}

	out := bankOutcome{polledAt: h.now(), account: account, cursor: account.Cursor}
	for range maxSyncPages {
		page, err := feed.SyncTransactions(ctx, account.AccountRef, out.cursor)
		if err != nil {
			return nil, err
		}
		out.added += len(page.Added)
		out.changed = append(out.changed, page.Added...)
		out.changed = append(out.changed, page.Modified...)
		out.removed = append(out.removed, page.Removed...)
		out.cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}
	return out, nil
}

// Commit implements orchestrator.Handler.
func (h *BankHandler) Commit(ctx context.Context, unit *model.WorkUnit, outcome orchestrator.Outcome) error {
	out, ok := outcome.(bankOutcome)
	if !ok {
		return nil
	}
	account := out.account

	defaults, err := h.pipeline.Defaults(ctx, account.UserID)
	if err != nil {
		return err
	}

	txns := make([]model.Transaction, 0, len(out.changed))
	for _, txn := range out.changed {
		txn.UserID = account.UserID
		txn.AccountRef = account.ID
		if err := normalize.NormalizeTransaction(&txn, defaults); err != nil {
			h.logger.Warn("skipping unreadable bank line", "account_id", account.ID, "provider_id", txn.ProviderID, "error", err)
			continue
		}
		txns = append(txns, txn)
	}

	saved, err := h.store.SaveTransactions(ctx, txns)
	if err != nil {
		return fmt.Errorf("failed to save transactions: %w", err)
	}
	for i := range saved {
		if err := h.categorize(ctx, &saved[i]); err != nil {
			return err
		}
	}

	removed, err := h.store.MarkTransactionsRemoved(ctx, account.ID, out.removed)
	if err != nil {
		return fmt.Errorf("failed to remove transactions: %w", err)
	}

	linked, err := h.relink(ctx, account.UserID, saved)
	if err != nil {
		return err
	}

	if err := h.store.UpdateSourceAccountCursor(ctx, account.ID, out.cursor, out.polledAt); err != nil {
		return fmt.Errorf("failed to record bank cursor: %w", err)
	}
	unit.Cursor = out.cursor

	h.metrics.transactionsSynced(account.Provider, "added", out.added)
	h.metrics.transactionsSynced(account.Provider, "modified", len(out.changed)-out.added)
	h.metrics.transactionsSynced(account.Provider, "removed", removed)
	h.logger.Info("bank feed synced",
		"account_id", account.ID, "user_id", account.UserID, "provider", account.Provider,
		"saved", len(saved), "removed", removed, "linked", linked)
	return nil
}

func (h *BankHandler) categorize(ctx context.Context, txn *model.Transaction) error {
	result, err := h.categorizer.Categorize(ctx, categorize.TransactionSubject(txn))
	if err != nil {
		return err
	}
	if result.Source == categorize.SourceNone || result.Source == categorize.SourceManual {
		return nil
	}
	if txn.CategoryID != nil && result.CategoryID != nil && *txn.CategoryID == *result.CategoryID && txn.CategorySource == result.Source {
		return nil
	}
	if err := h.store.UpdateTransactionCategory(ctx, txn.ID, result.CategoryID, result.Auto, result.Source); err != nil {
		return fmt.Errorf("failed to categorize transaction: %w", err)
	}
	txn.CategoryID = result.CategoryID
	txn.AutoCategorized = result.Auto
	txn.CategorySource = result.Source
	return nil
}

// relink gives receipts that resolved unique before their bank line arrived
// another chance to link. It returns the number linked.
func (h *BankHandler) relink(ctx context.Context, userID string, saved []model.Transaction) (int, error) {
	if len(saved) == 0 {
		return 0, nil
	}
	from, to := saved[0].OccurredAt, saved[0].OccurredAt
	for _, txn := range saved[1:] {
		if txn.OccurredAt.Before(from) {
			from = txn.OccurredAt
		}
		if txn.OccurredAt.After(to) {
			to = txn.OccurredAt
		}
	}
	window := h.dedup.Window()

	unique, err := h.store.ListUniqueEvidence(ctx, userID, from.Add(-window), to.Add(window))
	if err != nil {
		return 0, err
	}

	linked := 0
	for i := range unique {
		ev := &unique[i]
		decision, err := h.dedup.Resolve(ctx, ev)
		if err != nil {
			return linked, err
		}
		if decision.Kind != model.DedupLinked || len(decision.Supersedes) > 0 {
			continue
		}
		err = h.store.CommitResolution(ctx, ev, decision)
		if common.Classify(err) == common.ClassConflict {
			// Someone else resolved it first; the next sync looks again.
			h.logger.Debug("relink lost a race", "evidence_id", ev.ID, "error", err)
			continue
		}
		if err != nil {
			return linked, err
		}
		linked++
	}
	return linked, nil
}

// Abandon implements orchestrator.Handler. A sync owns no evidence.
func (h *BankHandler) Abandon(_ context.Context, unit *model.WorkUnit, reason string) error {
	h.logger.Warn("bank sync abandoned", "account_id", unit.PayloadRef, "user_id", unit.UserID, "reason", reason)
	return nil
}
