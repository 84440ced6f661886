package model

import (
	"strings"
	"time"
)

// Source account providers.
const (
	ProviderGmail = "gmail"
	ProviderPlaid = "plaid"
	ProviderOFX   = "ofx"
)

// SourceAccount is a linked mailbox or bank feed the scheduler polls.
type SourceAccount struct {
	CreatedAt    time.Time
	LastPolledAt *time.Time
	ID           string
	UserID       string
	Kind         SourceKind
	Provider     string
	AccountRef   string // Mailbox address, Plaid access token or OFX file path
	ExternalID   string // Provider's id for the link, such as the Plaid item id
	Cursor       string
	Active       bool
}

// BreakerKey returns the circuit breaker key for the account's provider.
func (a *SourceAccount) BreakerKey() string {
	switch a.Provider {
	case ProviderGmail:
		return BreakerMailGmail
	case ProviderPlaid:
		return BreakerBankPlaid
	case ProviderOFX:
		return BreakerBankOFX
	}
	return string(a.Kind) + ":" + a.Provider
}

// UserProfile holds per-user ingestion settings.
type UserProfile struct {
	UserID      string
	Currency    string
	PhoneNumber string // Normalized digits only
}

// MerchantRule records a manual categorization for a merchant.
// A rule with an empty UserID is shared across users.
type MerchantRule struct {
	UpdatedAt  time.Time
	UserID     string
	Merchant   string // MerchantKey of the merchant name
	CategoryID int64
	UseCount   int
}

// NormalizePhone strips everything but digits and drops a leading North
// American country code from 11-digit numbers.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		digits = digits[1:]
	}
	return digits
}
