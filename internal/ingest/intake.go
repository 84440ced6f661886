package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
)

// MaxImageSize bounds uploaded receipt images.
const MaxImageSize = 16 << 20

// Intake accepts triggers from outside and turns each into pending
// evidence plus the work unit that will process it.
type Intake struct {
	store  Store
	poller Poller
	logger *slog.Logger
}

// Poller enqueues a poll of a source account unless one is already live.
type Poller interface {
	EnqueuePoll(ctx context.Context, account *model.SourceAccount) (bool, error)
}

// IntakeOption configures an Intake.
type IntakeOption func(*Intake)

// WithPoller lets provider webhooks enqueue polls.
func WithPoller(p Poller) IntakeOption {
	return func(in *Intake) {
		in.poller = p
	}
}

// NewIntake creates an intake over store.
func NewIntake(store Store, opts ...IntakeOption) *Intake {
	in := &Intake{
		store:  store,
		logger: slog.Default().With("component", "intake"),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Submission is what intake created for one trigger.
type Submission struct {
	Evidence *model.Evidence
	Unit     *model.WorkUnit // Nil when the trigger was already submitted
}

// SubmitImage stores an uploaded receipt image and queues it for OCR.
func (in *Intake) SubmitImage(ctx context.Context, userID, contentType string, image []byte) (*Submission, error) {
	if userID == "" {
		return nil, common.NewUserError("a user is required", common.ErrUnknownUser)
	}
	if len(image) == 0 {
		return nil, common.NewParseError("the upload is empty", common.ErrEmptyPayload)
	}
	if len(image) > MaxImageSize {
		return nil, common.NewParseError(fmt.Sprintf("images are limited to %d MB", MaxImageSize>>20), common.ErrPayloadTooBig)
	}
	if contentType == "" {
		contentType = http.DetectContentType(image)
	}
	if !strings.HasPrefix(contentType, "image/") && contentType != "application/pdf" {
		return nil, common.NewParseError(fmt.Sprintf("unsupported upload type %s", contentType), common.ErrNotReceipt)
	}

	ev := &model.Evidence{UserID: userID, SourceKind: model.SourceImage, Status: model.StatusPending}
	if err := in.store.CreateEvidence(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to create evidence: %w", err)
	}
	if err := in.store.SaveBlob(ctx, ev.ID, contentType, image); err != nil {
		return nil, fmt.Errorf("failed to store image: %w", err)
	}

	unit, err := in.enqueue(ctx, model.WorkOCR, ev)
	if err != nil {
		return nil, err
	}
	in.logger.Info("image submitted", "evidence_id", ev.ID, "user_id", userID, "bytes", len(image), "unit_id", unit.ID)
	return &Submission{Evidence: ev, Unit: unit}, nil
}

// SubmitSMS accepts an inbound text message. The sender's phone number
// picks the user. A message already submitted under the same messageSID
// returns the original evidence.
func (in *Intake) SubmitSMS(ctx context.Context, from, body, messageSID string) (*Submission, error) {
	phone := model.NormalizePhone(from)
	if phone == "" {
		return nil, common.NewUserError("the sender has no phone number", common.ErrUnknownUser)
	}
	profile, err := in.store.FindUserByPhone(ctx, phone)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.NewUserError(fmt.Sprintf("no user has phone number %s", phone), common.ErrUnknownUser)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up sender: %w", err)
	}

	if strings.TrimSpace(body) == "" {
		return nil, common.NewParseError("the message is empty", common.ErrEmptyPayload)
	}

	if messageSID != "" {
		existing, err := in.store.GetEvidenceByExternalID(ctx, profile.UserID, model.SourceSMS, messageSID)
		if err == nil {
			in.logger.Debug("sms already submitted", "evidence_id", existing.ID, "message_sid", messageSID)
			return &Submission{Evidence: existing}, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("failed to check for a repeated message: %w", err)
		}
	}

	ev := &model.Evidence{
		UserID:     profile.UserID,
		SourceKind: model.SourceSMS,
		ExternalID: messageSID,
		RawText:    body,
		Status:     model.StatusPending,
	}
	if err := in.store.CreateEvidence(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to create evidence: %w", err)
	}

	unit, err := in.enqueue(ctx, model.WorkSMSParse, ev)
	if err != nil {
		return nil, err
	}
	in.logger.Info("sms submitted", "evidence_id", ev.ID, "user_id", ev.UserID, "unit_id", unit.ID)
	return &Submission{Evidence: ev, Unit: unit}, nil
}

// enqueue creates the unit for ev. A failure here leaves ev pending, which
// the scheduler's sweep picks up later.
func (in *Intake) enqueue(ctx context.Context, kind model.WorkKind, ev *model.Evidence) (*model.WorkUnit, error) {
	unit := &model.WorkUnit{Kind: kind, UserID: ev.UserID, PayloadRef: ev.ID}
	if err := in.store.EnqueueWork(ctx, unit); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}
	return unit, nil
}
