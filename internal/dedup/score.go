package dedup

import (
	"time"

	"github.com/Veraticus/spendlot/internal/model"
	"github.com/shopspring/decimal"
)

// scoreEvidence scores two receipts. Tips never apply between receipts.
func (e *Engine) scoreEvidence(candidate, other *model.Evidence) float64 {
	if !other.HasAmount() || candidate.Currency != other.Currency {
		return 0
	}
	amount := e.amountSignal(*candidate.Amount, *other.Amount, candidate.Currency, false)
	merchant := model.TokenOverlap(candidate.MerchantName, other.MerchantName)
	return combine(amount, merchant, e.timeSignal(candidate.OccurredAt, other.OccurredAt))
}

// scoreTransaction scores a receipt against a bank line.
func (e *Engine) scoreTransaction(candidate *model.Evidence, t *model.Transaction) float64 {
	if candidate.Currency != t.Currency {
		return 0
	}
	tip := candidate.SourceKind.IsReceipt()
	amount := e.amountSignal(*candidate.Amount, t.Amount, candidate.Currency, tip)

	name := t.MerchantName
	if name == "" {
		name = t.Name
	}
	merchant := model.TokenOverlap(candidate.MerchantName, name)
	occurred := t.OccurredAt
	return combine(amount, merchant, e.timeSignal(candidate.OccurredAt, &occurred))
}

// amountSignal is 1 when the amounts agree to one minor unit. With tip set,
// a second amount above the first by at most the tip tolerance scores 0.8.
func (e *Engine) amountSignal(receipt, other decimal.Decimal, currency string, tip bool) float64 {
	diff := other.Sub(receipt)
	if diff.Abs().LessThanOrEqual(model.MinorUnit(currency)) {
		return 1
	}
	if tip && diff.IsPositive() && receipt.IsPositive() {
		allowed := receipt.Mul(decimal.NewFromFloat(e.cfg.TipTolerancePercent)).Div(decimal.NewFromInt(100))
		if diff.LessThanOrEqual(allowed) {
			return tipAmountScore
		}
	}
	return 0
}

// timeSignal falls linearly from 1 at the same instant to 0 at the window edge.
func (e *Engine) timeSignal(a, b *time.Time) float64 {
	delta, ok := dateDelta(a, b)
	if !ok || delta >= e.cfg.Window {
		return 0
	}
	return 1 - float64(delta)/float64(e.cfg.Window)
}

func combine(amount, merchant, when float64) float64 {
	return amountWeight*amount + merchantWeight*merchant + timeWeight*when
}
