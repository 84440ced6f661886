package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceKind identifies which ingestion channel produced a record.
type SourceKind string

const (
	// SourceImage is a photographed or uploaded receipt image.
	SourceImage SourceKind = "image"
	// SourceMail is a receipt found in a linked mailbox.
	SourceMail SourceKind = "mail"
	// SourceSMS is a receipt notification received by text message.
	SourceSMS SourceKind = "sms"
	// SourceBank is a transaction delivered by a bank feed.
	SourceBank SourceKind = "bank"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceImage, SourceMail, SourceSMS, SourceBank:
		return true
	}
	return false
}

// IsReceipt reports whether records of this kind are receipts rather than bank lines.
func (k SourceKind) IsReceipt() bool {
	return k != SourceBank
}

// EvidenceStatus is the processing status of an Evidence record.
type EvidenceStatus string

// Evidence processing statuses.
const (
	StatusPending    EvidenceStatus = "pending"
	StatusProcessing EvidenceStatus = "processing"
	StatusCompleted  EvidenceStatus = "completed"
	StatusFailed     EvidenceStatus = "failed"
)

// Open reports whether the evidence still waits for processing to finish.
func (s EvidenceStatus) Open() bool {
	return s == StatusPending || s == StatusProcessing
}

// DedupState records the identity resolution outcome of an Evidence record.
type DedupState string

// Dedup states. The zero value means unresolved.
const (
	DedupUnresolved DedupState = ""
	DedupUnique     DedupState = "unique"
	DedupDuplicate  DedupState = "duplicate"
	DedupLinked     DedupState = "linked"
)

// Resolved reports whether the state is a valid dedup target.
func (s DedupState) Resolved() bool {
	return s == DedupUnique || s == DedupLinked
}

// Evidence is the canonical normalized record of one candidate purchase,
// whatever source it came from.
type Evidence struct {
	CreatedAt           time.Time
	UpdatedAt           time.Time
	OccurredAt          *time.Time
	Amount              *decimal.Decimal
	DuplicateOfID       *string
	LinkedTransactionID *string
	CategoryID          *int64
	ID                  string
	UserID              string
	SourceKind          SourceKind
	ExternalID          string // Provider message id when the source has one
	MerchantName        string // Empty when unknown
	Currency            string
	RawText             string
	Status              EvidenceStatus
	FailureReason       string
	DedupState          DedupState
	CategorySource      CategorySource
	Confidence          float64
	Version             int64
	AutoCategorized     bool
}

// HasAmount reports whether an amount was extracted.
func (e *Evidence) HasAmount() bool {
	return e.Amount != nil
}

// ManuallyCategorized reports whether a person assigned the current category.
func (e *Evidence) ManuallyCategorized() bool {
	return e.CategoryID != nil && e.CategorySource == CategorySourceManual
}

// StructuredFields carries values a source delivered already parsed.
type StructuredFields struct {
	Amount       *decimal.Decimal
	OccurredAt   *time.Time
	MerchantName string
	Currency     string
}

// RawEvidence is adapter output before normalization.
type RawEvidence struct {
	ReceivedAt         time.Time
	ProviderConfidence *float64
	Fields             *StructuredFields
	Kind               SourceKind
	UserID             string
	EvidenceID         string
	ExternalID         string
	Text               string
	Subject            string
	Sender             string
	ContentType        string
	Attachment         []byte
}

// HasImageAttachment reports whether the raw record carries an image for OCR.
func (r *RawEvidence) HasImageAttachment() bool {
	return len(r.Attachment) > 0
}

// OCRResult is the output of a text recognition call.
type OCRResult struct {
	Text       string
	Confidence float64
}
