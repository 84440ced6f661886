package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
)

// LoadPool returns the resolved evidence and linkable transactions a
// candidate may match.
func (s *SQLiteStorage) LoadPool(ctx context.Context, q service.PoolQuery) (service.Pool, error) {
	if err := validateContext(ctx); err != nil {
		return service.Pool{}, err
	}
	if err := validateString(q.UserID, "userID"); err != nil {
		return service.Pool{}, err
	}

	var (
		evidenceRange string
		txnRange      string
		rangeArgs     []any
	)
	switch {
	case q.OccurredFrom != nil && q.OccurredTo != nil:
		evidenceRange = "occurred_at IS NOT NULL AND occurred_at >= ? AND occurred_at <= ?"
		txnRange = "occurred_at >= ? AND occurred_at <= ?"
		rangeArgs = []any{formatTime(*q.OccurredFrom), formatTime(*q.OccurredTo)}
	case q.CreatedSince != nil:
		evidenceRange = "created_at >= ?"
		txnRange = "created_at >= ?"
		rangeArgs = []any{formatTime(*q.CreatedSince)}
	default:
		return service.Pool{}, fmt.Errorf("%w: pool query needs a date range or created-since bound", ErrNilParameter)
	}

	var pool service.Pool

	args := append([]any{q.UserID, q.CandidateID}, rangeArgs...)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+` FROM evidence
		WHERE user_id = ? AND id != ? AND status = 'completed'
		AND dedup_state IN ('unique', 'linked')
		AND `+evidenceRange+`
		ORDER BY created_at, id
	`, args...)
	if err != nil {
		return service.Pool{}, fmt.Errorf("failed to load evidence pool: %w", err)
	}
	if pool.Evidence, err = collectEvidence(rows); err != nil {
		return service.Pool{}, err
	}

	args = append([]any{q.UserID, q.CandidateID}, rangeArgs...)
	rows, err = s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = ? AND removed = 0
		AND (linked_evidence_id IS NULL OR linked_evidence_id = ?)
		AND `+txnRange+`
		ORDER BY created_at, id
	`, args...)
	if err != nil {
		return service.Pool{}, fmt.Errorf("failed to load transaction pool: %w", err)
	}
	if pool.Transactions, err = collectTransactions(rows); err != nil {
		return service.Pool{}, err
	}

	return pool, nil
}

// CommitResolution applies decision to candidate in one transaction.
// Every row touched is guarded so a concurrent resolution surfaces as a
// ConflictError instead of a double link or a duplicate chain.
func (s *SQLiteStorage) CommitResolution(ctx context.Context, candidate *model.Evidence, decision model.DedupDecision) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if candidate == nil {
		return fmt.Errorf("%w: candidate", ErrNilParameter)
	}
	switch decision.Kind {
	case model.DedupUnique, model.DedupDuplicate, model.DedupLinked:
	default:
		return fmt.Errorf("%w: unknown decision kind %q", ErrInvalidEvidence, decision.Kind)
	}
	if decision.Kind != model.DedupUnique && decision.TargetID == "" {
		return fmt.Errorf("%w: %s decision without target", ErrInvalidEvidence, decision.Kind)
	}

	updated := *candidate
	decision.ApplyTo(&updated)
	if err := validateEvidence(&updated); err != nil {
		return err
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range decision.Supersedes {
			if err := s.supersedeTx(ctx, tx, id, candidate.ID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions SET linked_evidence_id = NULL, updated_at = ?
			WHERE linked_evidence_id = ? AND id != ?
		`, formatTime(s.now()), candidate.ID, linkTarget(decision)); err != nil {
			return fmt.Errorf("failed to release transaction link: %w", err)
		}

		switch decision.Kind {
		case model.DedupLinked:
			result, err := tx.ExecContext(ctx, `
				UPDATE transactions SET linked_evidence_id = ?, updated_at = ?
				WHERE id = ? AND removed = 0
				AND (linked_evidence_id IS NULL OR linked_evidence_id = ?)
			`, candidate.ID, formatTime(s.now()), decision.TargetID, candidate.ID)
			if err != nil {
				return fmt.Errorf("failed to link transaction: %w", err)
			}
			if err := expectOneRow(result, "transaction", decision.TargetID); err != nil {
				return err
			}

		case model.DedupDuplicate:
			var state string
			err := tx.QueryRowContext(ctx, `SELECT dedup_state FROM evidence WHERE id = ?`, decision.TargetID).Scan(&state)
			if notFound(err) {
				return common.NewConflictError("evidence", decision.TargetID)
			}
			if err != nil {
				return fmt.Errorf("failed to check duplicate target: %w", err)
			}
			if !model.DedupState(state).Resolved() {
				return common.NewConflictError("evidence", decision.TargetID)
			}
			if err := s.repointDuplicatesTx(ctx, tx, candidate.ID, decision.TargetID); err != nil {
				return err
			}
		}

		return s.updateEvidenceTx(ctx, tx, &updated)
	})
	if err != nil {
		return err
	}

	*candidate = updated
	return nil
}

// supersedeTx turns a later-created resolved record into a duplicate of
// the candidate, moving its dependents and releasing its transaction link.
func (s *SQLiteStorage) supersedeTx(ctx context.Context, tx *sql.Tx, id, candidateID string) error {
	if id == candidateID {
		return fmt.Errorf("%w: evidence cannot supersede itself", ErrInvalidEvidence)
	}

	superseded, err := s.getEvidenceTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if !superseded.DedupState.Resolved() {
		return common.NewConflictError("evidence", id)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET linked_evidence_id = NULL, updated_at = ?
		WHERE linked_evidence_id = ?
	`, formatTime(s.now()), id); err != nil {
		return fmt.Errorf("failed to release superseded link: %w", err)
	}

	if err := s.repointDuplicatesTx(ctx, tx, id, candidateID); err != nil {
		return err
	}

	target := candidateID
	superseded.DedupState = model.DedupDuplicate
	superseded.DuplicateOfID = &target
	superseded.LinkedTransactionID = nil
	return s.updateEvidenceTx(ctx, tx, superseded)
}

// repointDuplicatesTx moves every duplicate of from onto to so chains stay flat.
func (s *SQLiteStorage) repointDuplicatesTx(ctx context.Context, tx *sql.Tx, from, to string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE evidence SET duplicate_of_id = ?, version = version + 1, updated_at = ?
		WHERE duplicate_of_id = ? AND id != ?
	`, to, formatTime(s.now()), from, to); err != nil {
		return fmt.Errorf("failed to re-point duplicates: %w", err)
	}
	return nil
}

func linkTarget(d model.DedupDecision) string {
	if d.Kind == model.DedupLinked {
		return d.TargetID
	}
	return ""
}
