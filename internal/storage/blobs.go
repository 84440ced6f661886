package storage

import (
	"context"
	"fmt"

	"github.com/Veraticus/spendlot/internal/common"
)

// SaveBlob stores the uploaded image for an evidence record.
func (s *SQLiteStorage) SaveBlob(ctx context.Context, evidenceID, contentType string, data []byte) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(evidenceID, "evidenceID"); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: blob for %s", common.ErrEmptyPayload, evidenceID)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_blobs (evidence_id, content_type, data, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(evidence_id) DO UPDATE SET content_type = excluded.content_type, data = excluded.data
	`, evidenceID, contentType, data, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save blob: %w", err)
	}
	return nil
}

// GetBlob returns the stored image and its content type.
func (s *SQLiteStorage) GetBlob(ctx context.Context, evidenceID string) ([]byte, string, error) {
	if err := validateContext(ctx); err != nil {
		return nil, "", err
	}

	var (
		data        []byte
		contentType string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT data, content_type FROM evidence_blobs WHERE evidence_id = ?
	`, evidenceID).Scan(&data, &contentType)
	if notFound(err) {
		return nil, "", fmt.Errorf("%w: blob for %s", common.ErrNotFound, evidenceID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get blob: %w", err)
	}
	return data, contentType, nil
}
