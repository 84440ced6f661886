package testutil

import (
	"time"

	"github.com/Veraticus/spendlot/internal/model"
	"github.com/shopspring/decimal"
)

// Money parses a decimal literal and panics on malformed input.
func Money(s string) *decimal.Decimal {
	return model.DecimalPtr(decimal.RequireFromString(s))
}

// Day returns BaseTime shifted by offset days.
func Day(offset int) *time.Time {
	t := BaseTime.AddDate(0, 0, offset)
	return &t
}

// ReceiptBuilder builds receipt evidence for tests.
type ReceiptBuilder struct {
	e model.Evidence
}

// NewReceipt starts a completed, unresolved image receipt for userID.
func NewReceipt(userID string) *ReceiptBuilder {
	return &ReceiptBuilder{e: model.Evidence{
		UserID:     userID,
		SourceKind: model.SourceImage,
		Currency:   model.DefaultCurrency,
		Status:     model.StatusCompleted,
		Confidence: 1,
	}}
}

// Kind sets the source kind.
func (b *ReceiptBuilder) Kind(kind model.SourceKind) *ReceiptBuilder {
	b.e.SourceKind = kind
	return b
}

// Merchant sets the merchant name.
func (b *ReceiptBuilder) Merchant(name string) *ReceiptBuilder {
	b.e.MerchantName = name
	return b
}

// Amount sets the amount from a decimal literal.
func (b *ReceiptBuilder) Amount(s string) *ReceiptBuilder {
	b.e.Amount = Money(s)
	return b
}

// Currency sets the currency.
func (b *ReceiptBuilder) Currency(code string) *ReceiptBuilder {
	b.e.Currency = code
	return b
}

// On sets the purchase date to BaseTime plus offset days.
func (b *ReceiptBuilder) On(offset int) *ReceiptBuilder {
	b.e.OccurredAt = Day(offset)
	return b
}

// At sets the purchase time.
func (b *ReceiptBuilder) At(t time.Time) *ReceiptBuilder {
	b.e.OccurredAt = &t
	return b
}

// Unique marks the receipt as already resolved unique.
func (b *ReceiptBuilder) Unique() *ReceiptBuilder {
	b.e.DedupState = model.DedupUnique
	return b
}

// Text sets the raw text.
func (b *ReceiptBuilder) Text(text string) *ReceiptBuilder {
	b.e.RawText = text
	return b
}

// Build returns a copy of the evidence.
func (b *ReceiptBuilder) Build() *model.Evidence {
	e := b.e
	return &e
}

// BankLine returns a debit transaction on account "acct-1".
func BankLine(userID, providerID, merchant, amount string, occurred int) model.Transaction {
	return model.Transaction{
		UserID:       userID,
		AccountRef:   "acct-1",
		ProviderID:   providerID,
		Amount:       *Money(amount),
		Currency:     model.DefaultCurrency,
		OccurredAt:   *Day(occurred),
		MerchantName: merchant,
		Name:         merchant,
		Type:         model.TransactionDebit,
	}
}
