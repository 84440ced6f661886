package normalize

import (
	"strings"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
)

// ImageAdapter reads the OCR text of a receipt photo.
type ImageAdapter struct{}

// Kind implements Adapter.
func (ImageAdapter) Kind() model.SourceKind { return model.SourceImage }

// Normalize implements Adapter. raw.Text holds the recognized text and
// raw.ProviderConfidence the recognizer's own score when it reported one.
func (ImageAdapter) Normalize(raw model.RawEvidence, defaults Defaults) (model.Evidence, error) {
	text := strings.TrimSpace(raw.Text)
	e := base(raw, text)

	if applyStructured(&e, raw.Fields, defaults) {
		return e, nil
	}
	if text == "" {
		return e, common.NewParseError("no text recognized", common.ErrEmptyPayload)
	}

	amount, amountGuessed, ok := lastAmount(text)
	if !ok {
		return e, common.NewParseError("no total on receipt", common.ErrNoAmount)
	}
	e.Currency = detectCurrency(text, defaults.Currency)
	e.Amount = model.DecimalPtr(model.RoundToMinor(amount, e.Currency))

	if merchant := firstTextLine(text); merchant != "" {
		e.MerchantName = model.CleanMerchantName(merchant)
	}
	if t, ok := findDate(text); ok {
		e.OccurredAt = &t
	}

	if raw.ProviderConfidence != nil {
		e.Confidence = clampConfidence(*raw.ProviderConfidence)
	} else {
		e.Confidence = guesses{amount: amountGuessed, merchant: true}.confidence()
	}
	return e, nil
}
