package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the direction of money movement.
type TransactionType string

const (
	// TransactionDebit is money leaving the account.
	TransactionDebit TransactionType = "debit"
	// TransactionCredit is money entering the account.
	TransactionCredit TransactionType = "credit"
)

// Transaction represents a single bank-feed transaction.
// Amount is always the absolute value; Type carries the direction.
type Transaction struct {
	OccurredAt           time.Time
	CreatedAt            time.Time
	Amount               decimal.Decimal
	CategoryID           *int64
	LinkedEvidenceID     *string
	ID                   string
	UserID               string
	AccountRef           string
	ProviderID           string // Provider transaction id, unique per account
	Currency             string
	MerchantName         string // Cleaned merchant name
	Name                 string // Raw transaction description
	Type                 TransactionType
	CategorySource       CategorySource
	PendingTransactionID string // Id of the pending transaction this one posts
	AutoCategorized      bool
	Pending              bool
	Removed              bool
}

// IsCredit reports whether the transaction is incoming money.
func (t *Transaction) IsCredit() bool {
	return t.Type == TransactionCredit
}

// ManuallyCategorized reports whether a person assigned the current category.
func (t *Transaction) ManuallyCategorized() bool {
	return t.CategoryID != nil && t.CategorySource == CategorySourceManual
}

// SignedToAbsolute splits a signed provider amount into an absolute amount
// and a direction. positiveIsDebit selects the provider's sign convention.
func SignedToAbsolute(amount decimal.Decimal, positiveIsDebit bool) (decimal.Decimal, TransactionType) {
	negative := amount.IsNegative()
	debit := negative != positiveIsDebit
	if amount.IsZero() {
		debit = true
	}
	if debit {
		return amount.Abs(), TransactionDebit
	}
	return amount.Abs(), TransactionCredit
}
