package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
)

const categoryColumns = `id, user_id, name, parent_id, type, keywords, is_active, created_at`

func scanCategory(row rowScanner) (*model.Category, error) {
	var (
		c        model.Category
		parentID sql.NullInt64
		keywords string
		created  string
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &parentID, &c.Type, &keywords, &c.IsActive, &created); err != nil {
		return nil, err
	}
	c.ParentID = int64Ptr(parentID)
	if keywords != "" {
		if err := json.Unmarshal([]byte(keywords), &c.Keywords); err != nil {
			return nil, fmt.Errorf("failed to decode keywords of category %d: %w", c.ID, err)
		}
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCategories returns the active shared categories plus the user's own.
func (s *SQLiteStorage) GetCategories(ctx context.Context, userID string) ([]model.Category, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.getCategoriesTx(ctx, s.db, userID)
}

func (s *SQLiteStorage) getCategoriesTx(ctx context.Context, q queryable, userID string) ([]model.Category, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+categoryColumns+` FROM categories
		WHERE is_active = 1 AND (user_id = '' OR user_id = ?)
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var categories []model.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, *c)
	}
	return categories, rows.Err()
}

// GetCategory retrieves a category by id.
func (s *SQLiteStorage) GetCategory(ctx context.Context, id int64) (*model.Category, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	c, err := scanCategory(s.db.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id = ?`, id))
	if notFound(err) {
		return nil, fmt.Errorf("%w: category %d", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return c, nil
}

// GetCategoryByName finds an active category by name, preferring the
// user's own over a shared one.
func (s *SQLiteStorage) GetCategoryByName(ctx context.Context, userID, name string) (*model.Category, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(name, "name"); err != nil {
		return nil, err
	}

	c, err := scanCategory(s.db.QueryRowContext(ctx, `
		SELECT `+categoryColumns+` FROM categories
		WHERE is_active = 1 AND LOWER(name) = LOWER(?) AND (user_id = '' OR user_id = ?)
		ORDER BY user_id DESC LIMIT 1
	`, strings.TrimSpace(name), userID))
	if notFound(err) {
		return nil, fmt.Errorf("%w: category %q", common.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return c, nil
}

// CreateCategory inserts a category. Its parent must already exist.
func (s *SQLiteStorage) CreateCategory(ctx context.Context, c *model.Category) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if c != nil && c.Type == "" {
		c.Type = model.CategoryTypeExpense
	}
	if err := validateCategory(c); err != nil {
		return err
	}

	keywords, err := encodeKeywords(c.Keywords)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if c.ParentID != nil {
			if err := s.requireCategoryTx(ctx, tx, *c.ParentID); err != nil {
				return err
			}
		}

		c.CreatedAt = s.now()
		c.IsActive = true
		result, err := tx.ExecContext(ctx, `
			INSERT INTO categories (user_id, name, parent_id, type, keywords, is_active, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)
		`, c.UserID, strings.TrimSpace(c.Name), nullInt64(c.ParentID), string(c.Type), keywords, formatTime(c.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: category %q", common.ErrDuplicateEntry, c.Name)
			}
			return fmt.Errorf("failed to create category: %w", err)
		}
		if c.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get category id: %w", err)
		}
		return nil
	})
}

// SetCategoryParent re-parents a category. An update that would create a
// cycle is rejected with a ConfigurationError and nothing changes.
func (s *SQLiteStorage) SetCategoryParent(ctx context.Context, id int64, parentID *int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireCategoryTx(ctx, tx, id); err != nil {
			return err
		}

		if parentID != nil {
			if err := s.requireCategoryTx(ctx, tx, *parentID); err != nil {
				return err
			}

			all, err := s.allCategoriesTx(ctx, tx)
			if err != nil {
				return err
			}
			if model.NewCategoryTree(all).WouldCycle(id, *parentID) {
				return common.NewConfigurationError(
					fmt.Sprintf("category %d cannot have parent %d", id, *parentID),
					common.ErrCategoryCycle)
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE categories SET parent_id = ? WHERE id = ?`, nullInt64(parentID), id); err != nil {
			return fmt.Errorf("failed to set category parent: %w", err)
		}
		return nil
	})
}

// SetCategoryKeywords replaces a category's keyword list.
func (s *SQLiteStorage) SetCategoryKeywords(ctx context.Context, id int64, keywords []string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	encoded, err := encodeKeywords(keywords)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `UPDATE categories SET keywords = ? WHERE id = ?`, encoded, id)
	if err != nil {
		return fmt.Errorf("failed to set category keywords: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: category %d", common.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStorage) requireCategoryTx(ctx context.Context, q queryable, id int64) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM categories WHERE id = ?)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check category existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: category %d", common.ErrNotFound, id)
	}
	return nil
}

// allCategoriesTx loads every category regardless of owner so cycle checks
// see the whole arena.
func (s *SQLiteStorage) allCategoriesTx(ctx context.Context, q queryable) ([]model.Category, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+categoryColumns+` FROM categories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func encodeKeywords(keywords []string) (string, error) {
	cleaned := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	data, err := json.Marshal(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to encode keywords: %w", err)
	}
	return string(data), nil
}
