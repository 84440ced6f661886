package model

import (
	"fmt"
	"time"
)

// WorkKind names the handler that processes a work unit.
type WorkKind string

// Work unit kinds.
const (
	WorkOCR      WorkKind = "ocr"
	WorkMailPoll WorkKind = "mail_poll"
	WorkBankSync WorkKind = "bank_sync"
	WorkSMSParse WorkKind = "sms_parse"
)

// SourceKind returns the source kind a work unit of this kind serves.
func (k WorkKind) SourceKind() (SourceKind, error) {
	switch k {
	case WorkOCR:
		return SourceImage, nil
	case WorkMailPoll:
		return SourceMail, nil
	case WorkBankSync:
		return SourceBank, nil
	case WorkSMSParse:
		return SourceSMS, nil
	}
	return "", fmt.Errorf("unknown work kind %q", k)
}

// WorkState is the lifecycle position of a work unit.
type WorkState string

// Work unit states. Succeeded and dead are terminal.
const (
	WorkQueued    WorkState = "queued"
	WorkRunning   WorkState = "running"
	WorkSucceeded WorkState = "succeeded"
	WorkFailed    WorkState = "failed"
	WorkDead      WorkState = "dead"
)

// Terminal reports whether no further transitions are possible.
func (s WorkState) Terminal() bool {
	return s == WorkSucceeded || s == WorkDead
}

// Breaker keys, one per external capability.
const (
	BreakerOCRVision = "ocr:vision"
	BreakerMailGmail = "mail:gmail"
	BreakerBankPlaid = "bank:plaid"
	BreakerBankOFX   = "bank:ofx"
	BreakerSMSLocal  = "sms:local"
)

// DefaultBreakerKey returns the breaker key for kind when the provider is
// not otherwise known. Bank sync units take their key from the account provider.
func DefaultBreakerKey(kind WorkKind) string {
	switch kind {
	case WorkOCR:
		return BreakerOCRVision
	case WorkMailPoll:
		return BreakerMailGmail
	case WorkBankSync:
		return BreakerBankPlaid
	case WorkSMSParse:
		return BreakerSMSLocal
	}
	return ""
}

// WorkUnit is a schedulable, retryable unit of asynchronous processing.
type WorkUnit struct {
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ID            string
	Kind          WorkKind
	UserID        string
	SourceKind    SourceKind
	PayloadRef    string // Evidence id for ocr/sms, source account id for mail/bank
	Cursor        string // Poll cursor when enqueued, then the cursor the poll reached
	State         WorkState
	BreakerKey    string
	LastError     string
	AttemptCount  int
	Cancelled     bool
}

// PairKey identifies the (user, source) pair a unit serializes on.
func (u *WorkUnit) PairKey() string {
	return u.UserID + "|" + string(u.SourceKind)
}

// BreakerState is the state of a circuit breaker.
type BreakerState string

// Circuit breaker states.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitState is the persisted state of one circuit breaker.
type CircuitState struct {
	OpenedAt     *time.Time
	BreakerKey   string
	State        BreakerState
	Failures     []time.Time // Failure timestamps inside the sliding window
	FailureCount int
}
