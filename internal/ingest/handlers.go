package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/orchestrator"
	"github.com/Veraticus/spendlot/internal/service"
)

// evidenceHandler is the shared part of handlers whose payload is one
// evidence record.
type evidenceHandler struct {
	store    Store
	pipeline *Pipeline
}

// load returns the unit's evidence marked processing, or nil when it
// already completed.
func (h evidenceHandler) load(ctx context.Context, unit *model.WorkUnit) (*model.Evidence, error) {
	ev, err := h.store.GetEvidence(ctx, unit.PayloadRef)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.NewParseError("the receipt no longer exists", err)
	}
	if err != nil {
		return nil, err
	}
	if ev.Status == model.StatusCompleted {
		return nil, nil
	}
	if ev.Status != model.StatusProcessing {
		ev.Status = model.StatusProcessing
		ev.FailureReason = ""
		if err := h.store.UpdateEvidence(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to mark evidence processing: %w", err)
		}
	}
	return ev, nil
}

// Abandon implements orchestrator.Handler.
func (h evidenceHandler) Abandon(ctx context.Context, unit *model.WorkUnit, reason string) error {
	err := h.pipeline.Fail(ctx, unit.PayloadRef, reason)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	return err
}

// OCRHandler reads uploaded and mailed receipt images.
type OCRHandler struct {
	evidenceHandler
	ocr service.OCR
}

var _ orchestrator.Handler = (*OCRHandler)(nil)

// NewOCRHandler creates the handler for ocr units. A nil ocr fails every
// unit with a configuration error.
func NewOCRHandler(store Store, pipeline *Pipeline, ocr service.OCR) *OCRHandler {
	return &OCRHandler{evidenceHandler: evidenceHandler{store: store, pipeline: pipeline}, ocr: ocr}
}

type ocrOutcome struct {
	evidence *model.Evidence
	result   model.OCRResult
}

// Run implements orchestrator.Handler.
func (h *OCRHandler) Run(ctx context.Context, unit *model.WorkUnit) (orchestrator.Outcome, error) {
	ev, err := h.load(ctx, unit)
	if err != nil || ev == nil {
		return nil, err
	}
	if h.ocr == nil {
		return nil, common.NewConfigurationError("no OCR provider configured", common.ErrMissingConfig)
	}

	image, _, err := h.store.GetBlob(ctx, ev.ID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.NewParseError("the receipt image is missing", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load receipt image: %w", err)
	}

	result, err := h.ocr.ExtractText(ctx, image)
	if err != nil {
		return nil, err
	}
	return ocrOutcome{evidence: ev, result: result}, nil
}

// Commit implements orchestrator.Handler.
func (h *OCRHandler) Commit(ctx context.Context, _ *model.WorkUnit, outcome orchestrator.Outcome) error {
	out, ok := outcome.(ocrOutcome)
	if !ok {
		return nil
	}
	confidence := out.result.Confidence
	return h.pipeline.Process(ctx, out.evidence, model.RawEvidence{
		Kind:               model.SourceImage,
		ExternalID:         out.evidence.ExternalID,
		Text:               out.result.Text,
		ProviderConfidence: &confidence,
		ReceivedAt:         out.evidence.CreatedAt,
	})
}

// SMSHandler parses receipt notifications received by text message.
type SMSHandler struct {
	evidenceHandler
}

var _ orchestrator.Handler = (*SMSHandler)(nil)

// NewSMSHandler creates the handler for sms_parse units.
func NewSMSHandler(store Store, pipeline *Pipeline) *SMSHandler {
	return &SMSHandler{evidenceHandler: evidenceHandler{store: store, pipeline: pipeline}}
}

// Run implements orchestrator.Handler. Parsing is local, so it only loads
// the message.
func (h *SMSHandler) Run(ctx context.Context, unit *model.WorkUnit) (orchestrator.Outcome, error) {
	ev, err := h.load(ctx, unit)
	if err != nil || ev == nil {
		return nil, err
	}
	return ev, nil
}

// Commit implements orchestrator.Handler.
func (h *SMSHandler) Commit(ctx context.Context, _ *model.WorkUnit, outcome orchestrator.Outcome) error {
	ev, ok := outcome.(*model.Evidence)
	if !ok || ev == nil {
		return nil
	}
	return h.pipeline.Process(ctx, ev, model.RawEvidence{
		Kind:       model.SourceSMS,
		ExternalID: ev.ExternalID,
		Text:       ev.RawText,
		ReceivedAt: ev.CreatedAt,
	})
}
