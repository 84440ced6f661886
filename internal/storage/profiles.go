package storage

import (
	"context"
	"fmt"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
)

// GetUserProfile retrieves a user's ingestion settings.
func (s *SQLiteStorage) GetUserProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(userID, "userID"); err != nil {
		return nil, err
	}

	var p model.UserProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, currency, phone_number FROM user_profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.Currency, &p.PhoneNumber)
	if notFound(err) {
		return nil, fmt.Errorf("%w: profile %s", common.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

// SaveUserProfile upserts a profile. The phone number is stored normalized.
func (s *SQLiteStorage) SaveUserProfile(ctx context.Context, p *model.UserProfile) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: profile", ErrNilParameter)
	}
	if err := validateString(p.UserID, "userID"); err != nil {
		return err
	}

	p.PhoneNumber = model.NormalizePhone(p.PhoneNumber)
	if p.Currency != "" {
		p.Currency = model.NormalizeCurrency(p.Currency, "")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, currency, phone_number) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			currency = excluded.currency,
			phone_number = excluded.phone_number
	`, p.UserID, p.Currency, p.PhoneNumber)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// FindUserByPhone resolves an SMS sender to a user.
func (s *SQLiteStorage) FindUserByPhone(ctx context.Context, phone string) (*model.UserProfile, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	normalized := model.NormalizePhone(phone)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty phone number", common.ErrUnknownUser)
	}

	var p model.UserProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, currency, phone_number FROM user_profiles WHERE phone_number = ? LIMIT 1
	`, normalized).Scan(&p.UserID, &p.Currency, &p.PhoneNumber)
	if notFound(err) {
		return nil, fmt.Errorf("%w: phone %s", common.ErrUnknownUser, normalized)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by phone: %w", err)
	}
	return &p, nil
}
