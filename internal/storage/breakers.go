package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
)

func scanBreaker(row rowScanner) (*model.CircuitState, error) {
	var (
		state    model.CircuitState
		openedAt sql.NullString
		failures string
	)
	if err := row.Scan(&state.BreakerKey, &state.State, &state.FailureCount, &openedAt, &failures); err != nil {
		return nil, err
	}

	var err error
	if state.OpenedAt, err = parseTimePtr(openedAt); err != nil {
		return nil, err
	}

	var stamps []string
	if err := json.Unmarshal([]byte(failures), &stamps); err != nil {
		return nil, fmt.Errorf("failed to decode failures of breaker %s: %w", state.BreakerKey, err)
	}
	state.Failures = make([]time.Time, 0, len(stamps))
	for _, stamp := range stamps {
		t, err := parseTime(stamp)
		if err != nil {
			return nil, err
		}
		state.Failures = append(state.Failures, t)
	}
	return &state, nil
}

// GetBreaker retrieves a persisted breaker.
func (s *SQLiteStorage) GetBreaker(ctx context.Context, key string) (*model.CircuitState, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(key, "key"); err != nil {
		return nil, err
	}

	state, err := scanBreaker(s.db.QueryRowContext(ctx, `
		SELECT breaker_key, state, failure_count, opened_at, failures
		FROM circuit_breakers WHERE breaker_key = ?
	`, key))
	if notFound(err) {
		return nil, fmt.Errorf("%w: breaker %s", common.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get breaker: %w", err)
	}
	return state, nil
}

// SaveBreaker upserts a breaker's state.
func (s *SQLiteStorage) SaveBreaker(ctx context.Context, state *model.CircuitState) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w: breaker state", ErrNilParameter)
	}
	if err := validateString(state.BreakerKey, "breakerKey"); err != nil {
		return err
	}

	stamps := make([]string, 0, len(state.Failures))
	for _, f := range state.Failures {
		stamps = append(stamps, formatTime(f))
	}
	failures, err := json.Marshal(stamps)
	if err != nil {
		return fmt.Errorf("failed to encode breaker failures: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO circuit_breakers (breaker_key, state, failure_count, opened_at, failures, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(breaker_key) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			opened_at = excluded.opened_at,
			failures = excluded.failures,
			updated_at = excluded.updated_at
	`, state.BreakerKey, string(state.State), state.FailureCount, formatTimePtr(state.OpenedAt),
		string(failures), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save breaker: %w", err)
	}
	return nil
}

// ListBreakers returns every persisted breaker ordered by key.
func (s *SQLiteStorage) ListBreakers(ctx context.Context) ([]model.CircuitState, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT breaker_key, state, failure_count, opened_at, failures
		FROM circuit_breakers ORDER BY breaker_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list breakers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.CircuitState
	for rows.Next() {
		state, err := scanBreaker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan breaker: %w", err)
		}
		out = append(out, *state)
	}
	return out, rows.Err()
}
