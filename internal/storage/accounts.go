package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/google/uuid"
)

const accountColumns = `id, user_id, kind, provider, account_ref, external_id, cursor, last_polled_at, active, created_at`

func scanAccount(row rowScanner) (*model.SourceAccount, error) {
	var (
		a       model.SourceAccount
		polled  sql.NullString
		created string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Kind, &a.Provider, &a.AccountRef, &a.ExternalID, &a.Cursor, &polled, &a.Active, &created); err != nil {
		return nil, err
	}
	var err error
	if a.LastPolledAt, err = parseTimePtr(polled); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateSourceAccount registers a mailbox or bank feed for polling.
func (s *SQLiteStorage) CreateSourceAccount(ctx context.Context, a *model.SourceAccount) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateAccount(a); err != nil {
		return err
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.now()
	a.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 1, ?)
	`, a.ID, a.UserID, string(a.Kind), a.Provider, a.AccountRef, a.ExternalID, a.Cursor, formatTime(a.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s account %s", common.ErrDuplicateEntry, a.Provider, a.AccountRef)
		}
		return fmt.Errorf("failed to create source account: %w", err)
	}
	return nil
}

// GetSourceAccount retrieves a source account by id.
func (s *SQLiteStorage) GetSourceAccount(ctx context.Context, id string) (*model.SourceAccount, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM source_accounts WHERE id = ?`, id))
	if notFound(err) {
		return nil, fmt.Errorf("%w: source account %s", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source account: %w", err)
	}
	return a, nil
}

// GetSourceAccountByExternalID retrieves the account a provider knows by
// externalID.
func (s *SQLiteStorage) GetSourceAccountByExternalID(ctx context.Context, provider, externalID string) (*model.SourceAccount, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(externalID, "external_id"); err != nil {
		return nil, err
	}

	a, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM source_accounts
		WHERE provider = ? AND external_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, provider, externalID))
	if notFound(err) {
		return nil, fmt.Errorf("%w: %s account %s", common.ErrNotFound, provider, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source account: %w", err)
	}
	return a, nil
}

// ListSourceAccounts returns accounts of kind, or all kinds when kind is empty.
func (s *SQLiteStorage) ListSourceAccounts(ctx context.Context, kind model.SourceKind, activeOnly bool) ([]model.SourceAccount, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM source_accounts
		WHERE (? = '' OR kind = ?) AND (? = 0 OR active = 1)
		ORDER BY created_at, id
	`, string(kind), string(kind), boolToInt(activeOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to list source accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SourceAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateSourceAccountCursor stores the sync cursor reached at polledAt.
func (s *SQLiteStorage) UpdateSourceAccountCursor(ctx context.Context, id, cursor string, polledAt time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE source_accounts SET cursor = ?, last_polled_at = ? WHERE id = ?
	`, cursor, formatTime(polledAt), id)
	if err != nil {
		return fmt.Errorf("failed to update source account cursor: %w", err)
	}
	return expectFound(result, "source account", id)
}

// SetSourceAccountActive enables or disables polling of an account.
func (s *SQLiteStorage) SetSourceAccountActive(ctx context.Context, id string, active bool) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `UPDATE source_accounts SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to update source account: %w", err)
	}
	return expectFound(result, "source account", id)
}

func expectFound(result sql.Result, entity, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", common.ErrNotFound, entity, id)
	}
	return nil
}
