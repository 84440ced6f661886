package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/orchestrator"
	"github.com/Veraticus/spendlot/internal/service"
)

// DefaultMailLookback is how far back the first poll of a mailbox reaches.
const DefaultMailLookback = 30 * 24 * time.Hour

// MailHandler polls linked mailboxes for receipts.
type MailHandler struct {
	store    Store
	pipeline *Pipeline
	mailbox  service.Mailbox
	logger   *slog.Logger
	now      func() time.Time
	lookback time.Duration
}

var _ orchestrator.Handler = (*MailHandler)(nil)

// NewMailHandler creates the handler for mail_poll units. A nil mailbox
// fails every unit with a configuration error.
func NewMailHandler(store Store, pipeline *Pipeline, mailbox service.Mailbox) *MailHandler {
	return &MailHandler{
		store:    store,
		pipeline: pipeline,
		mailbox:  mailbox,
		lookback: DefaultMailLookback,
		now:      time.Now,
		logger:   slog.Default().With("component", "mail"),
	}
}

// SetClock replaces time.Now.
func (h *MailHandler) SetClock(now func() time.Time) {
	h.now = now
}

type mailOutcome struct {
	polledAt time.Time
	account  *model.SourceAccount
	messages []model.RawEvidence
}

// Run implements orchestrator.Handler. It lists every receipt-like message
// since the last poll.
func (h *MailHandler) Run(ctx context.Context, unit *model.WorkUnit) (orchestrator.Outcome, error) {
	account, err := loadAccount(ctx, h.store, unit)
	if err != nil {
		return nil, err
	}
	if h.mailbox == nil {
		return nil, common.NewConfigurationError("no mailbox provider configured", common.ErrMissingConfig)
	}

	polledAt := h.now()
	since := polledAt.Add(-h.lookback)
	if account.LastPolledAt != nil {
		since = *account.LastPolledAt
	}

	out := mailOutcome{polledAt: polledAt, account: account}
	for msg, err := range h.mailbox.ListReceiptCandidates(ctx, account.AccountRef, since) {
		if err != nil {
			return nil, err
		}
		out.messages = append(out.messages, msg)
	}
	return out, nil
}

// Commit implements orchestrator.Handler. Messages already on file are
// skipped. Image attachments become ocr work; other messages are processed
// from their text.
func (h *MailHandler) Commit(ctx context.Context, _ *model.WorkUnit, outcome orchestrator.Outcome) error {
	out, ok := outcome.(mailOutcome)
	if !ok {
		return nil
	}

	var ingested, skipped int
	for _, msg := range out.messages {
		created, err := h.ingest(ctx, out.account, msg)
		if err != nil {
			return err
		}
		if created {
			ingested++
		} else {
			skipped++
		}
	}

	if err := h.store.UpdateSourceAccountCursor(ctx, out.account.ID, out.account.Cursor, out.polledAt); err != nil {
		return fmt.Errorf("failed to record mailbox poll: %w", err)
	}
	h.logger.Info("mailbox polled",
		"account_id", out.account.ID, "user_id", out.account.UserID,
		"messages", len(out.messages), "ingested", ingested, "skipped", skipped)
	return nil
}

// ingest records one message. It reports false when the message was
// already handled by an earlier poll.
func (h *MailHandler) ingest(ctx context.Context, account *model.SourceAccount, msg model.RawEvidence) (bool, error) {
	msg.Kind = model.SourceMail
	msg.UserID = account.UserID

	var ev *model.Evidence
	if msg.ExternalID != "" {
		existing, err := h.store.GetEvidenceByExternalID(ctx, account.UserID, model.SourceMail, msg.ExternalID)
		switch {
		case err == nil:
			// Text messages left open by an interrupted commit are retried.
			if !existing.Status.Open() || msg.HasImageAttachment() {
				return false, nil
			}
			ev = existing
		case !errors.Is(err, common.ErrNotFound):
			return false, fmt.Errorf("failed to check for a known message: %w", err)
		}
	}

	if ev == nil {
		ev = &model.Evidence{
			UserID:     account.UserID,
			SourceKind: model.SourceMail,
			ExternalID: msg.ExternalID,
			RawText:    strings.TrimSpace(msg.Subject + "\n" + msg.Text),
			Status:     model.StatusProcessing,
		}
		if msg.HasImageAttachment() {
			ev.Status = model.StatusPending
		}
		if err := h.store.CreateEvidence(ctx, ev); err != nil {
			if errors.Is(err, common.ErrDuplicateEntry) {
				return false, nil
			}
			return false, fmt.Errorf("failed to create evidence: %w", err)
		}
	}

	if msg.HasImageAttachment() {
		if err := h.store.SaveBlob(ctx, ev.ID, msg.ContentType, msg.Attachment); err != nil {
			return false, fmt.Errorf("failed to store attachment: %w", err)
		}
		unit := &model.WorkUnit{Kind: model.WorkOCR, UserID: ev.UserID, PayloadRef: ev.ID}
		if err := h.store.EnqueueWork(ctx, unit); err != nil {
			return false, fmt.Errorf("failed to enqueue attachment OCR: %w", err)
		}
		return true, nil
	}

	err := h.pipeline.Process(ctx, ev, msg)
	if common.Classify(err) == common.ClassParse {
		// One unreadable message must not fail the whole poll.
		return true, h.pipeline.Fail(ctx, ev.ID, err.Error())
	}
	return true, err
}

// Abandon implements orchestrator.Handler. A poll owns no evidence, so
// there is nothing to fail.
func (h *MailHandler) Abandon(_ context.Context, unit *model.WorkUnit, reason string) error {
	h.logger.Warn("mailbox poll abandoned", "account_id", unit.PayloadRef, "user_id", unit.UserID, "reason", reason)
	return nil
}

func loadAccount(ctx context.Context, store service.AccountStore, unit *model.WorkUnit) (*model.SourceAccount, error) {
	account, err := store.GetSourceAccount(ctx, unit.PayloadRef)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.NewConfigurationError(fmt.Sprintf("source account %s", unit.PayloadRef), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load source account: %w", err)
	}
	if !account.Active {
		return nil, common.NewConfigurationError(fmt.Sprintf("source account %s is inactive", account.ID), common.ErrInvalidConfig)
	}
	return account, nil
}
