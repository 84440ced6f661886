// Package normalize turns source payloads into canonical Evidence records.
//
// Each source kind has its own Adapter. Adapters are pure: they read a
// RawEvidence and return the fields they could extract, or a
// common.ParseError when the payload is not a readable receipt.
package normalize

import (
	"fmt"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
)

// Defaults are the per-user values an adapter falls back to.
type Defaults struct {
	Currency string
}

// Adapter normalizes the payloads of one source kind.
type Adapter interface {
	Kind() model.SourceKind
	Normalize(raw model.RawEvidence, defaults Defaults) (model.Evidence, error)
}

// Registry selects the adapter for a source kind.
type Registry struct {
	adapters map[model.SourceKind]Adapter
}

// NewRegistry creates a registry holding adapters. A later adapter for the
// same kind replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.SourceKind]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// DefaultRegistry returns a registry with the four built-in adapters.
func DefaultRegistry() *Registry {
	return NewRegistry(ImageAdapter{}, MailAdapter{}, SMSAdapter{}, BankAdapter{})
}

// For returns the adapter registered for kind.
func (r *Registry) For(kind model.SourceKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownKind, kind)
	}
	return a, nil
}

// Normalize runs the adapter for raw.Kind.
func (r *Registry) Normalize(raw model.RawEvidence, defaults Defaults) (model.Evidence, error) {
	a, err := r.For(raw.Kind)
	if err != nil {
		return model.Evidence{}, err
	}
	return a.Normalize(raw, defaults)
}

// base copies the identity fields every adapter carries through.
func base(raw model.RawEvidence, text string) model.Evidence {
	return model.Evidence{
		ID:         raw.EvidenceID,
		UserID:     raw.UserID,
		SourceKind: raw.Kind,
		ExternalID: raw.ExternalID,
		RawText:    text,
	}
}

// guesses records which fields came from pattern matching over free text.
type guesses struct {
	amount   bool
	merchant bool
	date     bool
}

// confidence scores a heuristic parse: every guessed amount or merchant
// costs 0.25 with a floor of 0.25, and a guessed date caps the result at 0.5.
func (g guesses) confidence() float64 {
	c := 1.0
	if g.amount {
		c -= 0.25
	}
	if g.merchant {
		c -= 0.25
	}
	if c < 0.25 {
		c = 0.25
	}
	if g.date && c > 0.5 {
		c = 0.5
	}
	return c
}

// applyStructured fills e from structured fields. It reports false when
// the fields carry no amount, leaving e untouched.
func applyStructured(e *model.Evidence, f *model.StructuredFields, defaults Defaults) bool {
	if f == nil || f.Amount == nil {
		return false
	}
	e.Currency = model.NormalizeCurrency(f.Currency, defaults.Currency)
	e.Amount = model.DecimalPtr(model.RoundToMinor(f.Amount.Abs(), e.Currency))
	e.MerchantName = model.CleanMerchantName(f.MerchantName)
	if f.OccurredAt != nil {
		t := f.OccurredAt.UTC()
		e.OccurredAt = &t
	}
	e.Confidence = 1
	return true
}

// clampConfidence maps a provider score onto [0,1]. Scores above 1 are
// taken as percentages.
func clampConfidence(score float64) float64 {
	if score > 1 {
		score /= 100
	}
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
