package storage

import (
	"context"
	"fmt"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
)

// GetMerchantRule retrieves the manual categorization recorded for a
// merchant key. Pass an empty userID for shared rules.
func (s *SQLiteStorage) GetMerchantRule(ctx context.Context, userID, merchant string) (*model.MerchantRule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(merchant, "merchant"); err != nil {
		return nil, err
	}

	var (
		rule    model.MerchantRule
		updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, merchant, category_id, use_count, updated_at
		FROM merchant_rules
		WHERE user_id = ? AND merchant = ?
	`, userID, merchant).Scan(&rule.UserID, &rule.Merchant, &rule.CategoryID, &rule.UseCount, &updated)
	if notFound(err) {
		return nil, fmt.Errorf("%w: merchant rule %q", common.ErrNotFound, merchant)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get merchant rule: %w", err)
	}
	if rule.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &rule, nil
}

// SaveMerchantRule records a categorization, bumping its use count when the
// rule already exists.
func (s *SQLiteStorage) SaveMerchantRule(ctx context.Context, rule *model.MerchantRule) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if rule == nil {
		return fmt.Errorf("%w: merchant rule", ErrNilParameter)
	}
	if err := validateString(rule.Merchant, "merchant"); err != nil {
		return err
	}

	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = s.now()
	}
	if rule.UseCount < 1 {
		rule.UseCount = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchant_rules (user_id, merchant, category_id, use_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, merchant) DO UPDATE SET
			category_id = excluded.category_id,
			use_count = merchant_rules.use_count + 1,
			updated_at = excluded.updated_at
	`, rule.UserID, rule.Merchant, rule.CategoryID, rule.UseCount, formatTime(rule.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save merchant rule: %w", err)
	}
	return nil
}
