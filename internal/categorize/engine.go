// Package categorize assigns categories to evidence and bank transactions.
//
// A category chosen by a person always wins. After that the engine uses the
// user's manual history for the merchant, then category keywords, and
// finally the configured default category.
package categorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
)

// Source records which rule produced a categorization.
type Source = model.CategorySource

// Categorization sources.
const (
	SourceManual   = model.CategorySourceManual
	SourceHistory  = model.CategorySourceHistory
	SourceKeyword  = model.CategorySourceKeyword
	SourceFallback = model.CategorySourceFallback
	SourceNone     = model.CategorySourceNone
)

// Store is the persistence the engine needs.
type Store interface {
	service.CategoryStore
	service.MerchantRuleStore
	GetEvidence(ctx context.Context, id string) (*model.Evidence, error)
	UpdateEvidence(ctx context.Context, evidence *model.Evidence) error
	ListEvidence(ctx context.Context, filter service.EvidenceFilter) ([]model.Evidence, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, filter service.TransactionFilter) ([]model.Transaction, error)
	UpdateTransactionCategory(ctx context.Context, id string, categoryID *int64, auto bool, source model.CategorySource) error
}

// Subject is what the engine categorizes.
type Subject struct {
	CategoryID     *int64
	UserID         string
	MerchantName   string
	Text           string
	CategorySource Source
	Credit         bool
}

// Manual reports whether a person chose the subject's current category.
func (s Subject) Manual() bool {
	return s.CategoryID != nil && s.CategorySource == SourceManual
}

// EvidenceSubject builds a subject from a receipt.
func EvidenceSubject(e *model.Evidence) Subject {
	return Subject{
		UserID:         e.UserID,
		MerchantName:   e.MerchantName,
		Text:           e.RawText,
		CategoryID:     e.CategoryID,
		CategorySource: e.CategorySource,
	}
}

// TransactionSubject builds a subject from a bank transaction.
func TransactionSubject(t *model.Transaction) Subject {
	merchant := t.MerchantName
	if merchant == "" {
		merchant = t.Name
	}
	return Subject{
		UserID:         t.UserID,
		MerchantName:   merchant,
		Text:           t.Name,
		CategoryID:     t.CategoryID,
		CategorySource: t.CategorySource,
		Credit:         t.IsCredit(),
	}
}

// Result is a categorization decision.
type Result struct {
	CategoryID *int64
	Source     Source
	Keyword    string // Matching keyword when Source is SourceKeyword
	Auto       bool
	Coarse     bool // The category has subcategories
}

// ApplyToEvidence writes r onto e.
func (r Result) ApplyToEvidence(e *model.Evidence) {
	e.CategoryID = r.CategoryID
	e.AutoCategorized = r.Auto
	e.CategorySource = r.Source
}

// Engine categorizes subjects against a user's category tree.
type Engine struct {
	store           Store
	logger          *slog.Logger
	defaultCategory string
}

// NewEngine creates an engine. defaultCategory names the fallback category;
// an empty name leaves unmatched subjects uncategorized.
func NewEngine(store Store, defaultCategory string) *Engine {
	return &Engine{
		store:           store,
		defaultCategory: defaultCategory,
		logger:          slog.Default().With("component", "categorize"),
	}
}

// LoadTree loads and validates the categories visible to userID.
func (e *Engine) LoadTree(ctx context.Context, userID string) (*model.CategoryTree, error) {
	categories, err := e.store.GetCategories(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load categories: %w", err)
	}
	tree := model.NewCategoryTree(categories)
	if err := tree.Validate(); err != nil {
		return nil, common.NewConfigurationError("category tree", err)
	}
	return tree, nil
}

// Categorize picks a category for s.
func (e *Engine) Categorize(ctx context.Context, s Subject) (Result, error) {
	tree, err := e.LoadTree(ctx, s.UserID)
	if err != nil {
		return Result{}, err
	}
	if s.Manual() {
		return e.result(tree, *s.CategoryID, SourceManual, false), nil
	}

	if id, ok, err := e.fromHistory(ctx, tree, s); err != nil {
		return Result{}, err
	} else if ok {
		return e.result(tree, id, SourceHistory, true), nil
	}

	text := strings.TrimSpace(s.MerchantName + " " + s.Text)
	if id, keyword, ok := NewMatcher(tree).Match(text, s.Credit); ok {
		r := e.result(tree, id, SourceKeyword, true)
		r.Keyword = keyword
		return r, nil
	}

	if e.defaultCategory == "" {
		return Result{Source: SourceNone}, nil
	}
	fallback := e.fallbackCategory(tree, s.UserID)
	if fallback == nil {
		return Result{}, common.NewConfigurationError(
			fmt.Sprintf("default category %q", e.defaultCategory), common.ErrMissingDefault)
	}
	return e.result(tree, fallback.ID, SourceFallback, false), nil
}

// fromHistory looks up the user's manual rule for the merchant, then the
// shared one. A rule whose category is gone or does not fit the
// direction of money is skipped.
func (e *Engine) fromHistory(ctx context.Context, tree *model.CategoryTree, s Subject) (int64, bool, error) {
	key := model.MerchantKey(s.MerchantName)
	if key == "" {
		return 0, false, nil
	}

	owners := []string{s.UserID}
	if s.UserID != "" {
		owners = append(owners, "")
	}
	for _, owner := range owners {
		rule, err := e.store.GetMerchantRule(ctx, owner, key)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, false, fmt.Errorf("failed to get merchant rule: %w", err)
		}
		c, ok := tree.Get(rule.CategoryID)
		if !ok || !eligible(c, s.Credit) {
			e.logger.Debug("skipping merchant rule", "merchant", key, "category_id", rule.CategoryID)
			continue
		}
		return rule.CategoryID, true, nil
	}
	return 0, false, nil
}

func (e *Engine) fallbackCategory(tree *model.CategoryTree, userID string) *model.Category {
	if e.defaultCategory == "" {
		return nil
	}
	var shared *model.Category
	for _, c := range tree.All() {
		if !strings.EqualFold(c.Name, e.defaultCategory) {
			continue
		}
		if c.UserID == userID && userID != "" {
			return c
		}
		if c.UserID == "" && shared == nil {
			shared = c
		}
	}
	return shared
}

func (e *Engine) result(tree *model.CategoryTree, id int64, source Source, auto bool) Result {
	categoryID := id
	return Result{
		CategoryID: &categoryID,
		Source:     source,
		Auto:       auto,
		Coarse:     tree.HasChildren(id),
	}
}

// eligible reports whether c may categorize money moving in that direction.
func eligible(c *model.Category, credit bool) bool {
	switch c.Type {
	case model.CategoryTypeIncome:
		return credit
	case model.CategoryTypeExpense:
		return !credit
	}
	return true
}

// SetManual assigns a category to a receipt on a person's behalf and
// remembers the choice for the merchant.
func (e *Engine) SetManual(ctx context.Context, evidenceID string, categoryID int64) error {
	ev, err := e.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return err
	}
	if err := e.checkCategory(ctx, ev.UserID, categoryID); err != nil {
		return err
	}

	id := categoryID
	ev.CategoryID = &id
	ev.AutoCategorized = false
	ev.CategorySource = SourceManual
	if err := e.store.UpdateEvidence(ctx, ev); err != nil {
		return fmt.Errorf("failed to set evidence category: %w", err)
	}
	e.logger.Info("manual category set", "evidence_id", evidenceID, "user_id", ev.UserID, "category_id", categoryID)
	return e.remember(ctx, ev.UserID, ev.MerchantName, categoryID)
}

// SetManualTransaction assigns a category to a bank transaction on a
// person's behalf and remembers the choice for the merchant.
func (e *Engine) SetManualTransaction(ctx context.Context, transactionID string, categoryID int64) error {
	txn, err := e.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if err := e.checkCategory(ctx, txn.UserID, categoryID); err != nil {
		return err
	}

	id := categoryID
	if err := e.store.UpdateTransactionCategory(ctx, transactionID, &id, false, SourceManual); err != nil {
		return fmt.Errorf("failed to set transaction category: %w", err)
	}
	e.logger.Info("manual category set", "transaction_id", transactionID, "user_id", txn.UserID, "category_id", categoryID)

	merchant := txn.MerchantName
	if merchant == "" {
		merchant = txn.Name
	}
	return e.remember(ctx, txn.UserID, merchant, categoryID)
}

func (e *Engine) checkCategory(ctx context.Context, userID string, categoryID int64) error {
	tree, err := e.LoadTree(ctx, userID)
	if err != nil {
		return err
	}
	if _, ok := tree.Get(categoryID); !ok {
		return fmt.Errorf("%w: category %d", common.ErrNotFound, categoryID)
	}
	return nil
}

func (e *Engine) remember(ctx context.Context, userID, merchant string, categoryID int64) error {
	key := model.MerchantKey(merchant)
	if key == "" {
		return nil
	}
	if err := e.store.SaveMerchantRule(ctx, &model.MerchantRule{
		UserID:     userID,
		Merchant:   key,
		CategoryID: categoryID,
	}); err != nil {
		return fmt.Errorf("failed to record merchant rule: %w", err)
	}
	return nil
}
