package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, user_id, account_ref, provider_id, amount, currency, occurred_at,
	merchant_name, name, type, category_id, auto_categorized, category_source, linked_evidence_id,
	pending, removed, pending_transaction_id, created_at`

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var (
		txn        model.Transaction
		amount     decimal.Decimal
		occurredAt string
		categoryID sql.NullInt64
		linked     sql.NullString
		created    string
	)

	err := row.Scan(
		&txn.ID, &txn.UserID, &txn.AccountRef, &txn.ProviderID, &amount, &txn.Currency, &occurredAt,
		&txn.MerchantName, &txn.Name, &txn.Type, &categoryID, &txn.AutoCategorized, &txn.CategorySource, &linked,
		&txn.Pending, &txn.Removed, &txn.PendingTransactionID, &created,
	)
	if err != nil {
		return nil, err
	}

	txn.Amount = amount
	if txn.OccurredAt, err = parseTime(occurredAt); err != nil {
		return nil, err
	}
	txn.CategoryID = int64Ptr(categoryID)
	txn.LinkedEvidenceID = stringPtr(linked)
	if txn.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &txn, nil
}

func collectTransactions(rows *sql.Rows) ([]model.Transaction, error) {
	defer func() { _ = rows.Close() }()

	var out []model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

// SaveTransactions inserts new transactions and refreshes known ones.
// Category and evidence links of known transactions are preserved. A posted
// transaction that replaces a pending one inherits the pending link.
func (s *SQLiteStorage) SaveTransactions(ctx context.Context, transactions []model.Transaction) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	for i := range transactions {
		if err := validateTransaction(&transactions[i]); err != nil {
			return nil, fmt.Errorf("transaction at index %d: %w", i, err)
		}
	}

	saved := make([]model.Transaction, 0, len(transactions))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, txn := range transactions {
			stored, err := s.saveTransactionTx(ctx, tx, txn)
			if err != nil {
				return err
			}
			saved = append(saved, *stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *SQLiteStorage) saveTransactionTx(ctx context.Context, tx *sql.Tx, txn model.Transaction) (*model.Transaction, error) {
	now := formatTime(s.now())
	txn.Currency = model.NormalizeCurrency(txn.Currency, "")

	existing, err := s.getTransactionByProviderIDTx(ctx, tx, txn.AccountRef, txn.ProviderID)
	if err != nil && !isNotFoundErr(err) {
		return nil, err
	}
	if err == nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE transactions SET
				amount = ?, currency = ?, occurred_at = ?, merchant_name = ?, name = ?,
				type = ?, pending = ?, removed = 0, pending_transaction_id = ?, updated_at = ?
			WHERE id = ?
		`, txn.Amount.String(), txn.Currency, formatTime(txn.OccurredAt), txn.MerchantName, txn.Name,
			string(txn.Type), boolToInt(txn.Pending), txn.PendingTransactionID, now, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update transaction: %w", err)
		}
		return s.getTransactionTx(ctx, tx, existing.ID)
	}

	txn.ID = uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, user_id, account_ref, provider_id, amount, currency, occurred_at,
			merchant_name, name, type, category_id, auto_categorized, category_source, linked_evidence_id,
			pending, removed, pending_transaction_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, 0, ?, ?, ?)
	`, txn.ID, txn.UserID, txn.AccountRef, txn.ProviderID, txn.Amount.String(), txn.Currency,
		formatTime(txn.OccurredAt), txn.MerchantName, txn.Name, string(txn.Type),
		nullInt64(txn.CategoryID), boolToInt(txn.AutoCategorized), string(txn.CategorySource),
		boolToInt(txn.Pending), txn.PendingTransactionID, now, now); err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	if txn.PendingTransactionID != "" {
		if err := s.carryPendingTx(ctx, tx, txn); err != nil {
			return nil, err
		}
	}

	return s.getTransactionTx(ctx, tx, txn.ID)
}

// carryPendingTx moves the evidence link and a manual category from the
// pending transaction that posted as txn.
func (s *SQLiteStorage) carryPendingTx(ctx context.Context, tx *sql.Tx, txn model.Transaction) error {
	pending, err := s.getTransactionByProviderIDTx(ctx, tx, txn.AccountRef, txn.PendingTransactionID)
	if isNotFoundErr(err) {
		return nil
	}
	if err != nil {
		return err
	}

	now := formatTime(s.now())

	if pending.ManuallyCategorized() {
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions SET category_id = ?, auto_categorized = 0, category_source = ?, updated_at = ? WHERE id = ?
		`, *pending.CategoryID, string(model.CategorySourceManual), now, txn.ID); err != nil {
			return fmt.Errorf("failed to carry pending category: %w", err)
		}
	}

	if pending.LinkedEvidenceID == nil {
		return nil
	}
	evidenceID := *pending.LinkedEvidenceID

	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET linked_evidence_id = NULL, updated_at = ? WHERE id = ?
	`, now, pending.ID); err != nil {
		return fmt.Errorf("failed to release pending link: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET linked_evidence_id = ?, updated_at = ? WHERE id = ?
	`, evidenceID, now, txn.ID); err != nil {
		return fmt.Errorf("failed to carry pending link: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE evidence SET linked_transaction_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND linked_transaction_id = ?
	`, txn.ID, now, evidenceID, pending.ID); err != nil {
		return fmt.Errorf("failed to re-point evidence link: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by id.
func (s *SQLiteStorage) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return s.getTransactionTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getTransactionTx(ctx context.Context, q queryable, id string) (*model.Transaction, error) {
	txn, err := scanTransaction(q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id))
	if notFound(err) {
		return nil, fmt.Errorf("%w: transaction %s", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

func (s *SQLiteStorage) getTransactionByProviderIDTx(ctx context.Context, q queryable, accountRef, providerID string) (*model.Transaction, error) {
	txn, err := scanTransaction(q.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE account_ref = ? AND provider_id = ?
	`, accountRef, providerID))
	if notFound(err) {
		return nil, fmt.Errorf("%w: transaction %s", common.ErrNotFound, providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

// MarkTransactionsRemoved flags transactions the provider withdrew. Links to
// evidence are released and the evidence returns to unique.
func (s *SQLiteStorage) MarkTransactionsRemoved(ctx context.Context, accountRef string, providerIDs []string) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if len(providerIDs) == 0 {
		return 0, nil
	}

	var count int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		for _, providerID := range providerIDs {
			txn, err := s.getTransactionByProviderIDTx(ctx, tx, accountRef, providerID)
			if isNotFoundErr(err) {
				continue
			}
			if err != nil {
				return err
			}
			if txn.Removed {
				continue
			}

			if txn.LinkedEvidenceID != nil {
				if _, err := tx.ExecContext(ctx, `
					UPDATE evidence SET dedup_state = 'unique', linked_transaction_id = NULL,
						version = version + 1, updated_at = ?
					WHERE id = ? AND linked_transaction_id = ?
				`, now, *txn.LinkedEvidenceID, txn.ID); err != nil {
					return fmt.Errorf("failed to unlink evidence: %w", err)
				}
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE transactions SET removed = 1, linked_evidence_id = NULL, updated_at = ? WHERE id = ?
			`, now, txn.ID); err != nil {
				return fmt.Errorf("failed to mark transaction removed: %w", err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateTransactionCategory sets the category of a transaction and the
// rule that chose it. Only a manual source may replace a manual category;
// any other write over one is a conflict.
func (s *SQLiteStorage) UpdateTransactionCategory(ctx context.Context, id string, categoryID *int64, auto bool, source model.CategorySource) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET category_id = ?, auto_categorized = ?, category_source = ?, updated_at = ?
		WHERE id = ? AND (? = 'manual' OR category_source != 'manual')
	`, nullInt64(categoryID), boolToInt(auto), string(source), formatTime(s.now()), id, string(source))
	if err != nil {
		return fmt.Errorf("failed to update transaction category: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE id = ?)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check transaction: %w", err)
	}
	if exists {
		return common.NewConflictError("transaction", id)
	}
	return fmt.Errorf("%w: transaction %s", common.ErrNotFound, id)
}

func inSources(sources []model.CategorySource) (string, []any) {
	marks := make([]string, len(sources))
	args := make([]any, len(sources))
	for i, source := range sources {
		marks[i] = "?"
		args[i] = string(source)
	}
	return "category_source IN (" + strings.Join(marks, ", ") + ")", args
}

// ListTransactions returns transactions matching the filter, newest first.
func (s *SQLiteStorage) ListTransactions(ctx context.Context, filter service.TransactionFilter) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.StartDate != nil {
		where = append(where, "occurred_at >= ?")
		args = append(args, formatTime(*filter.StartDate))
	}
	if filter.EndDate != nil {
		where = append(where, "occurred_at <= ?")
		args = append(args, formatTime(*filter.EndDate))
	}
	if len(filter.CategorySources) > 0 {
		clause, sourceArgs := inSources(filter.CategorySources)
		where = append(where, clause)
		args = append(args, sourceArgs...)
	}
	if filter.ExcludeRemoved {
		where = append(where, "removed = 0")
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return collectTransactions(rows)
}
