// Package storage provides the data persistence layer for spendlot.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/spendlot/internal/model"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrNilParameter       = errors.New("parameter cannot be nil")
	ErrInvalidDateRange   = errors.New("start date must be before end date")
	ErrInvalidEvidence    = errors.New("invalid evidence")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidCategory    = errors.New("invalid category")
	ErrInvalidWorkUnit    = errors.New("invalid work unit")
	ErrInvalidAccount     = errors.New("invalid source account")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateEvidence(e *model.Evidence) error {
	if e == nil {
		return fmt.Errorf("%w: evidence", ErrNilParameter)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: missing user ID", ErrInvalidEvidence)
	}
	if !e.SourceKind.Valid() {
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidEvidence, e.SourceKind)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f outside [0,1]", ErrInvalidEvidence, e.Confidence)
	}
	if e.DedupState == model.DedupDuplicate && (e.DuplicateOfID == nil || *e.DuplicateOfID == "") {
		return fmt.Errorf("%w: duplicate without duplicate_of_id", ErrInvalidEvidence)
	}
	if e.DuplicateOfID != nil && *e.DuplicateOfID == e.ID && e.ID != "" {
		return fmt.Errorf("%w: evidence cannot duplicate itself", ErrInvalidEvidence)
	}
	return nil
}

func validateTransaction(txn *model.Transaction) error {
	if txn == nil {
		return fmt.Errorf("%w: transaction", ErrNilParameter)
	}
	if txn.UserID == "" {
		return fmt.Errorf("%w: missing user ID", ErrInvalidTransaction)
	}
	if txn.AccountRef == "" {
		return fmt.Errorf("%w: missing account ref", ErrInvalidTransaction)
	}
	if txn.ProviderID == "" {
		return fmt.Errorf("%w: missing provider ID", ErrInvalidTransaction)
	}
	if txn.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing date", ErrInvalidTransaction)
	}
	if txn.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must be absolute", ErrInvalidTransaction)
	}
	if txn.Type != model.TransactionDebit && txn.Type != model.TransactionCredit {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, txn.Type)
	}
	return nil
}

func validateCategory(c *model.Category) error {
	if c == nil {
		return fmt.Errorf("%w: category", ErrNilParameter)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidCategory)
	}
	switch c.Type {
	case model.CategoryTypeExpense, model.CategoryTypeIncome, model.CategoryTypeSystem:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCategory, c.Type)
	}
	return nil
}

func validateWorkUnit(u *model.WorkUnit) error {
	if u == nil {
		return fmt.Errorf("%w: work unit", ErrNilParameter)
	}
	if u.UserID == "" {
		return fmt.Errorf("%w: missing user ID", ErrInvalidWorkUnit)
	}
	if _, err := u.Kind.SourceKind(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkUnit, err)
	}
	if u.PayloadRef == "" {
		return fmt.Errorf("%w: missing payload ref", ErrInvalidWorkUnit)
	}
	if u.BreakerKey == "" {
		return fmt.Errorf("%w: missing breaker key", ErrInvalidWorkUnit)
	}
	return nil
}

func validateAccount(a *model.SourceAccount) error {
	if a == nil {
		return fmt.Errorf("%w: source account", ErrNilParameter)
	}
	if a.UserID == "" {
		return fmt.Errorf("%w: missing user ID", ErrInvalidAccount)
	}
	if a.Kind != model.SourceMail && a.Kind != model.SourceBank {
		return fmt.Errorf("%w: kind must be mail or bank, got %q", ErrInvalidAccount, a.Kind)
	}
	if a.Provider == "" || a.AccountRef == "" {
		return fmt.Errorf("%w: provider and account ref are required", ErrInvalidAccount)
	}
	return nil
}
