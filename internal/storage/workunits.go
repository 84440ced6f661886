package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
	"github.com/google/uuid"
)

const workUnitColumns = `id, kind, user_id, source_kind, payload_ref, cursor, attempt_count, state,
	next_attempt_at, breaker_key, cancelled, last_error, created_at, updated_at`

func scanWorkUnit(row rowScanner) (*model.WorkUnit, error) {
	var (
		u                      model.WorkUnit
		next, created, updated string
	)
	err := row.Scan(&u.ID, &u.Kind, &u.UserID, &u.SourceKind, &u.PayloadRef, &u.Cursor, &u.AttemptCount, &u.State,
		&next, &u.BreakerKey, &u.Cancelled, &u.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	if u.NextAttemptAt, err = parseTime(next); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &u, nil
}

func collectWorkUnits(rows *sql.Rows) ([]model.WorkUnit, error) {
	defer func() { _ = rows.Close() }()

	var out []model.WorkUnit
	for rows.Next() {
		u, err := scanWorkUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work unit: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// EnqueueWork adds a queued unit. Missing ID, source kind and next attempt
// time are filled in.
func (s *SQLiteStorage) EnqueueWork(ctx context.Context, u *model.WorkUnit) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if u != nil && u.BreakerKey == "" {
		u.BreakerKey = model.DefaultBreakerKey(u.Kind)
	}
	if err := validateWorkUnit(u); err != nil {
		return err
	}

	sourceKind, _ := u.Kind.SourceKind()
	now := s.now()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.SourceKind = sourceKind
	u.State = model.WorkQueued
	if u.NextAttemptAt.IsZero() {
		u.NextAttemptAt = now
	}
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_units (`+workUnitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, string(u.Kind), u.UserID, string(u.SourceKind), u.PayloadRef, u.Cursor, u.AttemptCount, string(u.State),
		formatTime(u.NextAttemptAt), u.BreakerKey, boolToInt(u.Cancelled), u.LastError,
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue work unit: %w", err)
	}
	return nil
}

// GetWorkUnit retrieves a work unit by id.
func (s *SQLiteStorage) GetWorkUnit(ctx context.Context, id string) (*model.WorkUnit, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	u, err := scanWorkUnit(s.db.QueryRowContext(ctx, `SELECT `+workUnitColumns+` FROM work_units WHERE id = ?`, id))
	if notFound(err) {
		return nil, fmt.Errorf("%w: work unit %s", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work unit: %w", err)
	}
	return u, nil
}

// ListDueWork returns queued or failed units whose next attempt is due,
// oldest first.
func (s *SQLiteStorage) ListDueWork(ctx context.Context, now time.Time, limit int) ([]model.WorkUnit, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workUnitColumns+` FROM work_units
		WHERE state IN ('queued', 'failed') AND cancelled = 0 AND next_attempt_at <= ?
		ORDER BY next_attempt_at, created_at, id
		LIMIT ?
	`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due work: %w", err)
	}
	return collectWorkUnits(rows)
}

// ListWork returns units matching the filter, newest first.
func (s *SQLiteStorage) ListWork(ctx context.Context, filter service.WorkFilter) ([]model.WorkUnit, error) {
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
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}

	query := `SELECT ` + workUnitColumns + ` FROM work_units`
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
		return nil, fmt.Errorf("failed to list work units: %w", err)
	}
	return collectWorkUnits(rows)
}

// ClaimWork moves a queued or failed unit to running. A unit in any other
// state yields a ConflictError.
func (s *SQLiteStorage) ClaimWork(ctx context.Context, id string, now time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE work_units SET state = 'running', updated_at = ?
		WHERE id = ? AND state IN ('queued', 'failed') AND cancelled = 0
	`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to claim work unit: %w", err)
	}
	return expectOneRow(result, "work unit", id)
}

// UpdateWorkUnit writes the unit's state when the stored state still equals
// expected. The cancelled flag is never cleared here.
func (s *SQLiteStorage) UpdateWorkUnit(ctx context.Context, u *model.WorkUnit, expected model.WorkState) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateWorkUnit(u); err != nil {
		return err
	}

	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE work_units SET
			state = ?, attempt_count = ?, next_attempt_at = ?, cursor = ?,
			last_error = ?, cancelled = MAX(cancelled, ?), updated_at = ?
		WHERE id = ? AND state = ?
	`, string(u.State), u.AttemptCount, formatTime(u.NextAttemptAt), u.Cursor,
		u.LastError, boolToInt(u.Cancelled), formatTime(now),
		u.ID, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update work unit: %w", err)
	}
	if err := expectOneRow(result, "work unit", u.ID); err != nil {
		return err
	}
	u.UpdatedAt = now
	return nil
}

// DeferBreakerWork pushes every waiting unit of breakerKey to at least until.
// Attempt counts are not touched.
func (s *SQLiteStorage) DeferBreakerWork(ctx context.Context, breakerKey string, until time.Time) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE work_units SET next_attempt_at = ?, updated_at = ?
		WHERE breaker_key = ? AND state IN ('queued', 'failed') AND next_attempt_at < ?
	`, formatTime(until), formatTime(s.now()), breakerKey, formatTime(until))
	if err != nil {
		return 0, fmt.Errorf("failed to defer work: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// RequeueRunning returns units left running by a previous process to the
// queue without consuming an attempt. Cancelled ones become dead.
func (s *SQLiteStorage) RequeueRunning(ctx context.Context, now time.Time) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	var count int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ts := formatTime(now)
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_units SET state = 'dead', last_error = 'cancelled', updated_at = ?
			WHERE state = 'running' AND cancelled = 1
		`, ts); err != nil {
			return fmt.Errorf("failed to retire cancelled work: %w", err)
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE work_units SET state = 'queued', next_attempt_at = ?, updated_at = ?
			WHERE state = 'running'
		`, ts, ts)
		if err != nil {
			return fmt.Errorf("failed to requeue running work: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		count = int(n)
		return nil
	})
	return count, err
}

// CancelWork cancels a unit. Queued units go straight to dead; running
// units are flagged so their result is discarded. It returns the state the
// unit was in.
func (s *SQLiteStorage) CancelWork(ctx context.Context, id string, now time.Time) (model.WorkState, error) {
	if err := validateContext(ctx); err != nil {
		return "", err
	}

	var previous model.WorkState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM work_units WHERE id = ?`, id).Scan(&state)
		if notFound(err) {
			return fmt.Errorf("%w: work unit %s", common.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to get work unit: %w", err)
		}
		previous = model.WorkState(state)

		ts := formatTime(now)
		switch previous {
		case model.WorkQueued, model.WorkFailed:
			_, err = tx.ExecContext(ctx, `
				UPDATE work_units SET state = 'dead', cancelled = 1, last_error = 'cancelled', updated_at = ?
				WHERE id = ?
			`, ts, id)
		case model.WorkRunning:
			_, err = tx.ExecContext(ctx, `UPDATE work_units SET cancelled = 1, updated_at = ? WHERE id = ?`, ts, id)
		default:
			return fmt.Errorf("%w: work unit %s is %s", common.ErrWorkFinished, id, previous)
		}
		if err != nil {
			return fmt.Errorf("failed to cancel work unit: %w", err)
		}
		return nil
	})
	return previous, err
}

// HasLiveWork reports whether an unfinished unit of kind exists for payloadRef.
func (s *SQLiteStorage) HasLiveWork(ctx context.Context, kind model.WorkKind, payloadRef string) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM work_units
			WHERE kind = ? AND payload_ref = ? AND state IN ('queued', 'running', 'failed')
		)
	`, string(kind), payloadRef).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check live work: %w", err)
	}
	return exists, nil
}
