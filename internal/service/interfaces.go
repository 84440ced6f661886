// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"iter"
	"time"

	"github.com/Veraticus/spendlot/internal/model"
)

// EvidenceFilter defines filtering options for evidence queries.
type EvidenceFilter struct {
	UserID          string
	SourceKind      model.SourceKind
	Status          model.EvidenceStatus
	CategorySources []model.CategorySource // Any of these; empty means all
	Limit           int
}

// TransactionFilter defines filtering options for transaction queries.
type TransactionFilter struct {
	StartDate       *time.Time
	EndDate         *time.Time
	UserID          string
	CategorySources []model.CategorySource // Any of these; empty means all
	Limit           int
	ExcludeRemoved  bool
}

// WorkFilter defines filtering options for work unit queries.
type WorkFilter struct {
	UserID string
	State  model.WorkState
	Kind   model.WorkKind
	Limit  int
}

// PoolQuery selects the records a candidate is compared against.
// When OccurredFrom/OccurredTo are nil the query uses CreatedSince instead.
type PoolQuery struct {
	OccurredFrom *time.Time
	OccurredTo   *time.Time
	CreatedSince *time.Time
	UserID       string
	CandidateID  string
}

// Pool is the set of records eligible as dedup targets.
type Pool struct {
	Evidence     []model.Evidence
	Transactions []model.Transaction
}

// EvidenceStore persists Evidence records. Updates are conditional on Version.
type EvidenceStore interface {
	CreateEvidence(ctx context.Context, evidence *model.Evidence) error
	GetEvidence(ctx context.Context, id string) (*model.Evidence, error)
	GetEvidenceByExternalID(ctx context.Context, userID string, kind model.SourceKind, externalID string) (*model.Evidence, error)
	UpdateEvidence(ctx context.Context, evidence *model.Evidence) error
	ListEvidence(ctx context.Context, filter EvidenceFilter) ([]model.Evidence, error)
	ListStrandedEvidence(ctx context.Context, createdBefore time.Time, limit int) ([]model.Evidence, error)
	ListUniqueEvidence(ctx context.Context, userID string, from, to time.Time) ([]model.Evidence, error)

	// CommitResolution applies a dedup decision and the candidate's other
	// changes atomically. A concurrent change to any touched row yields a
	// ConflictError and nothing is written.
	CommitResolution(ctx context.Context, candidate *model.Evidence, decision model.DedupDecision) error
}

// DedupPool loads candidate pools for the dedup engine.
type DedupPool interface {
	LoadPool(ctx context.Context, query PoolQuery) (Pool, error)
}

// TransactionStore persists bank-feed transactions.
type TransactionStore interface {
	// SaveTransactions inserts or updates transactions keyed by account and
	// provider id and returns them with their stored ids.
	SaveTransactions(ctx context.Context, transactions []model.Transaction) ([]model.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	MarkTransactionsRemoved(ctx context.Context, accountRef string, providerIDs []string) (int, error)
	UpdateTransactionCategory(ctx context.Context, id string, categoryID *int64, auto bool, source model.CategorySource) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, error)
}

// CategoryStore persists the category arena.
type CategoryStore interface {
	GetCategories(ctx context.Context, userID string) ([]model.Category, error)
	GetCategory(ctx context.Context, id int64) (*model.Category, error)
	GetCategoryByName(ctx context.Context, userID, name string) (*model.Category, error)
	CreateCategory(ctx context.Context, category *model.Category) error
	SetCategoryParent(ctx context.Context, id int64, parentID *int64) error
	SetCategoryKeywords(ctx context.Context, id int64, keywords []string) error
}

// MerchantRuleStore persists manual categorization history.
type MerchantRuleStore interface {
	GetMerchantRule(ctx context.Context, userID, merchant string) (*model.MerchantRule, error)
	SaveMerchantRule(ctx context.Context, rule *model.MerchantRule) error
}

// WorkQueue is the durable work unit queue.
type WorkQueue interface {
	EnqueueWork(ctx context.Context, unit *model.WorkUnit) error
	GetWorkUnit(ctx context.Context, id string) (*model.WorkUnit, error)
	ListDueWork(ctx context.Context, now time.Time, limit int) ([]model.WorkUnit, error)
	ListWork(ctx context.Context, filter WorkFilter) ([]model.WorkUnit, error)
	ClaimWork(ctx context.Context, id string, now time.Time) error
	UpdateWorkUnit(ctx context.Context, unit *model.WorkUnit, expected model.WorkState) error
	DeferBreakerWork(ctx context.Context, breakerKey string, until time.Time) (int, error)
	RequeueRunning(ctx context.Context, now time.Time) (int, error)
	CancelWork(ctx context.Context, id string, now time.Time) (model.WorkState, error)
	HasLiveWork(ctx context.Context, kind model.WorkKind, payloadRef string) (bool, error)
}

// BreakerStore persists circuit breaker state.
type BreakerStore interface {
	GetBreaker(ctx context.Context, key string) (*model.CircuitState, error)
	SaveBreaker(ctx context.Context, state *model.CircuitState) error
	ListBreakers(ctx context.Context) ([]model.CircuitState, error)
}

// AccountStore persists linked mailboxes and bank feeds.
type AccountStore interface {
	CreateSourceAccount(ctx context.Context, account *model.SourceAccount) error
	GetSourceAccount(ctx context.Context, id string) (*model.SourceAccount, error)
	GetSourceAccountByExternalID(ctx context.Context, provider, externalID string) (*model.SourceAccount, error)
	ListSourceAccounts(ctx context.Context, kind model.SourceKind, activeOnly bool) ([]model.SourceAccount, error)
	UpdateSourceAccountCursor(ctx context.Context, id, cursor string, polledAt time.Time) error
	SetSourceAccountActive(ctx context.Context, id string, active bool) error
}

// ProfileStore persists user ingestion settings.
type ProfileStore interface {
	GetUserProfile(ctx context.Context, userID string) (*model.UserProfile, error)
	SaveUserProfile(ctx context.Context, profile *model.UserProfile) error
	FindUserByPhone(ctx context.Context, phone string) (*model.UserProfile, error)
}

// BlobStore holds uploaded receipt images until OCR has run.
type BlobStore interface {
	SaveBlob(ctx context.Context, evidenceID, contentType string, data []byte) error
	GetBlob(ctx context.Context, evidenceID string) ([]byte, string, error)
}

// Storage is the full persistence contract.
type Storage interface {
	EvidenceStore
	DedupPool
	TransactionStore
	CategoryStore
	MerchantRuleStore
	WorkQueue
	BreakerStore
	AccountStore
	ProfileStore
	BlobStore

	Migrate(ctx context.Context) error
	Close() error
}

// OCR extracts text from receipt images.
type OCR interface {
	ExtractText(ctx context.Context, image []byte) (model.OCRResult, error)
}

// Mailbox lists receipt-like messages in a linked mailbox.
// The sequence is lazy and finite; listing again with the same since
// restarts from the beginning.
type Mailbox interface {
	ListReceiptCandidates(ctx context.Context, accountRef string, since time.Time) iter.Seq2[model.RawEvidence, error]
}

// BankSync is one page of changes from a bank feed.
type BankSync struct {
	NextCursor string
	HasMore    bool // Another page follows from NextCursor
	Added      []model.Transaction
	Modified   []model.Transaction
	Removed    []string
}

// BankFeed fetches transactions from a bank data provider.
type BankFeed interface {
	SyncTransactions(ctx context.Context, accountRef, cursor string) (BankSync, error)
}
