package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const evidenceColumns = `id, user_id, source_kind, external_id, merchant_name, amount, currency,
	occurred_at, raw_text, confidence, status, failure_reason, dedup_state,
	duplicate_of_id, linked_transaction_id, category_id, auto_categorized,
	category_source, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvidence(row rowScanner) (*model.Evidence, error) {
	var (
		e          model.Evidence
		amount     decimal.NullDecimal
		occurredAt sql.NullString
		dupOf      sql.NullString
		linked     sql.NullString
		categoryID sql.NullInt64
		created    string
		updated    string
	)

	err := row.Scan(
		&e.ID, &e.UserID, &e.SourceKind, &e.ExternalID, &e.MerchantName, &amount, &e.Currency,
		&occurredAt, &e.RawText, &e.Confidence, &e.Status, &e.FailureReason, &e.DedupState,
		&dupOf, &linked, &categoryID, &e.AutoCategorized,
		&e.CategorySource, &e.Version, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	if amount.Valid {
		e.Amount = model.DecimalPtr(amount.Decimal)
	}
	if e.OccurredAt, err = parseTimePtr(occurredAt); err != nil {
		return nil, err
	}
	e.DuplicateOfID = stringPtr(dupOf)
	e.LinkedTransactionID = stringPtr(linked)
	e.CategoryID = int64Ptr(categoryID)
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEvidence(rows *sql.Rows) ([]model.Evidence, error) {
	defer func() { _ = rows.Close() }()

	var out []model.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// CreateEvidence inserts a new evidence record. A missing ID is generated.
func (s *SQLiteStorage) CreateEvidence(ctx context.Context, e *model.Evidence) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateEvidence(e); err != nil {
		return err
	}

	now := s.now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = model.StatusPending
	}
	e.Currency = model.NormalizeCurrency(e.Currency, "")
	e.Version = 1
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (`+evidenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.UserID, string(e.SourceKind), e.ExternalID, e.MerchantName, nullDecimal(e.Amount), e.Currency,
		formatTimePtr(e.OccurredAt), e.RawText, e.Confidence, string(e.Status), e.FailureReason, string(e.DedupState),
		nullString(e.DuplicateOfID), nullString(e.LinkedTransactionID), nullInt64(e.CategoryID), boolToInt(e.AutoCategorized),
		string(e.CategorySource), e.Version, formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: evidence %s/%s", common.ErrDuplicateEntry, e.SourceKind, e.ExternalID)
		}
		return fmt.Errorf("failed to create evidence: %w", err)
	}
	return nil
}

// GetEvidence retrieves an evidence record by id.
func (s *SQLiteStorage) GetEvidence(ctx context.Context, id string) (*model.Evidence, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return s.getEvidenceTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getEvidenceTx(ctx context.Context, q queryable, id string) (*model.Evidence, error) {
	e, err := scanEvidence(q.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE id = ?`, id))
	if notFound(err) {
		return nil, fmt.Errorf("%w: evidence %s", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evidence: %w", err)
	}
	return e, nil
}

// GetEvidenceByExternalID finds evidence by its provider message id.
func (s *SQLiteStorage) GetEvidenceByExternalID(ctx context.Context, userID string, kind model.SourceKind, externalID string) (*model.Evidence, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(externalID, "externalID"); err != nil {
		return nil, err
	}

	e, err := scanEvidence(s.db.QueryRowContext(ctx, `
		SELECT `+evidenceColumns+` FROM evidence
		WHERE user_id = ? AND source_kind = ? AND external_id = ?
		ORDER BY created_at LIMIT 1
	`, userID, string(kind), externalID))
	if notFound(err) {
		return nil, fmt.Errorf("%w: evidence %s/%s", common.ErrNotFound, kind, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evidence: %w", err)
	}
	return e, nil
}

// UpdateEvidence writes every mutable field when the stored version still
// matches e.Version. On success e.Version is incremented.
func (s *SQLiteStorage) UpdateEvidence(ctx context.Context, e *model.Evidence) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateEvidence(e); err != nil {
		return err
	}
	return s.updateEvidenceTx(ctx, s.db, e)
}

func (s *SQLiteStorage) updateEvidenceTx(ctx context.Context, q queryable, e *model.Evidence) error {
	now := s.now()
	result, err := q.ExecContext(ctx, `
		UPDATE evidence SET
			merchant_name = ?, amount = ?, currency = ?, occurred_at = ?, raw_text = ?,
			confidence = ?, status = ?, failure_reason = ?, dedup_state = ?,
			duplicate_of_id = ?, linked_transaction_id = ?, category_id = ?,
			auto_categorized = ?, category_source = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		e.MerchantName, nullDecimal(e.Amount), e.Currency, formatTimePtr(e.OccurredAt), e.RawText,
		e.Confidence, string(e.Status), e.FailureReason, string(e.DedupState),
		nullString(e.DuplicateOfID), nullString(e.LinkedTransactionID), nullInt64(e.CategoryID),
		boolToInt(e.AutoCategorized), string(e.CategorySource), formatTime(now),
		e.ID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update evidence: %w", err)
	}
	if err := expectOneRow(result, "evidence", e.ID); err != nil {
		return err
	}
	e.Version++
	e.UpdatedAt = now
	return nil
}

// ListEvidence returns evidence matching the filter, newest first.
func (s *SQLiteStorage) ListEvidence(ctx context.Context, filter service.EvidenceFilter) ([]model.Evidence, error) {
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
	if filter.SourceKind != "" {
		where = append(where, "source_kind = ?")
		args = append(args, string(filter.SourceKind))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(filter.CategorySources) > 0 {
		clause, sourceArgs := inSources(filter.CategorySources)
		where = append(where, clause)
		args = append(args, sourceArgs...)
	}

	query := `SELECT ` + evidenceColumns + ` FROM evidence`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	return collectEvidence(rows)
}

// ListStrandedEvidence returns pending or processing evidence created before
// createdBefore that no unfinished work unit refers to. Mail evidence
// without an attachment belongs to its mailbox poll and is left out.
func (s *SQLiteStorage) ListStrandedEvidence(ctx context.Context, createdBefore time.Time, limit int) ([]model.Evidence, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+` FROM evidence e
		WHERE e.status IN ('pending', 'processing') AND e.created_at < ?
		AND (e.source_kind != 'mail' OR EXISTS (SELECT 1 FROM evidence_blobs b WHERE b.evidence_id = e.id))
		AND NOT EXISTS (
			SELECT 1 FROM work_units w
			WHERE w.payload_ref = e.id AND w.state IN ('queued', 'running', 'failed')
		)
		ORDER BY e.created_at LIMIT ?
	`, formatTime(createdBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stranded evidence: %w", err)
	}
	return collectEvidence(rows)
}

// ListUniqueEvidence returns completed evidence still resolved as unique
// whose purchase date falls in [from, to].
func (s *SQLiteStorage) ListUniqueEvidence(ctx context.Context, userID string, from, to time.Time) ([]model.Evidence, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %v > %v", ErrInvalidDateRange, from, to)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+` FROM evidence
		WHERE user_id = ? AND status = 'completed' AND dedup_state = 'unique'
		AND occurred_at IS NOT NULL AND occurred_at >= ? AND occurred_at <= ?
		ORDER BY created_at, id
	`, userID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list unique evidence: %w", err)
	}
	return collectEvidence(rows)
}

func expectOneRow(result sql.Result, entity, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return common.NewConflictError(entity, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
