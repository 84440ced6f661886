package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/spendlot/internal/model"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

// DefaultCategory describes a category seeded into every new database.
type DefaultCategory struct {
	Name     string
	Type     model.CategoryType
	Keywords []string
}

// DefaultCategories are the shared categories created by migration.
var DefaultCategories = []DefaultCategory{
	{Name: "Food & Dining", Type: model.CategoryTypeExpense, Keywords: []string{"restaurant", "cafe", "pizza", "burger", "food", "dining", "kitchen", "diner", "grill", "bistro", "bar", "pub"}},
	{Name: "Groceries", Type: model.CategoryTypeExpense, Keywords: []string{"grocery", "supermarket", "market", "walmart", "target", "costco", "safeway", "kroger", "whole foods", "trader joe"}},
	{Name: "Transportation", Type: model.CategoryTypeExpense, Keywords: []string{"gas", "fuel", "uber", "lyft", "taxi", "bus", "train", "metro", "parking", "shell", "exxon", "bp"}},
	{Name: "Shopping", Type: model.CategoryTypeExpense, Keywords: []string{"amazon", "ebay", "store", "shop", "retail", "mall", "clothing", "electronics"}},
	{Name: "Entertainment", Type: model.CategoryTypeExpense, Keywords: []string{"netflix", "spotify", "movie", "cinema", "theater", "game", "entertainment", "music"}},
	{Name: "Utilities", Type: model.CategoryTypeExpense, Keywords: []string{"electric", "water", "internet", "phone", "cable", "utility", "bill"}},
	{Name: "Healthcare", Type: model.CategoryTypeExpense, Keywords: []string{"hospital", "clinic", "pharmacy", "doctor", "medical", "health", "dentist"}},
	{Name: "Income", Type: model.CategoryTypeIncome, Keywords: []string{"salary", "payroll", "freelance", "income", "payment", "deposit"}},
	{Name: "Fees & Charges", Type: model.CategoryTypeExpense, Keywords: []string{"fee", "charge", "service charge", "overdraft"}},
	{Name: "Cash & ATM", Type: model.CategoryTypeExpense, Keywords: []string{"atm", "withdrawal", "cash"}},
	{Name: "Uncategorized", Type: model.CategoryTypeSystem},
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS categories (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id TEXT NOT NULL DEFAULT '',
					name TEXT NOT NULL,
					parent_id INTEGER REFERENCES categories(id),
					type TEXT NOT NULL DEFAULT 'expense',
					keywords TEXT NOT NULL DEFAULT '[]',
					is_active INTEGER NOT NULL DEFAULT 1,
					created_at TEXT NOT NULL,
					UNIQUE(user_id, name)
				)`,
				`CREATE INDEX idx_categories_parent ON categories(parent_id)`,

				`CREATE TABLE IF NOT EXISTS evidence (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					source_kind TEXT NOT NULL,
					external_id TEXT NOT NULL DEFAULT '',
					merchant_name TEXT NOT NULL DEFAULT '',
					amount TEXT,
					currency TEXT NOT NULL,
					occurred_at TEXT,
					raw_text TEXT NOT NULL DEFAULT '',
					confidence REAL NOT NULL DEFAULT 0,
					status TEXT NOT NULL,
					failure_reason TEXT NOT NULL DEFAULT '',
					dedup_state TEXT NOT NULL DEFAULT '',
					duplicate_of_id TEXT,
					linked_transaction_id TEXT,
					category_id INTEGER REFERENCES categories(id),
					auto_categorized INTEGER NOT NULL DEFAULT 0,
					version INTEGER NOT NULL DEFAULT 1,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
				`CREATE INDEX idx_evidence_user_occurred ON evidence(user_id, occurred_at)`,
				`CREATE INDEX idx_evidence_user_created ON evidence(user_id, created_at)`,
				`CREATE INDEX idx_evidence_duplicate_of ON evidence(duplicate_of_id)`,
				`CREATE INDEX idx_evidence_status ON evidence(status)`,
				`CREATE UNIQUE INDEX idx_evidence_mail_external
					ON evidence(user_id, source_kind, external_id)
					WHERE source_kind = 'mail' AND external_id != ''`,

				`CREATE TABLE IF NOT EXISTS transactions (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					account_ref TEXT NOT NULL,
					provider_id TEXT NOT NULL,
					amount TEXT NOT NULL,
					currency TEXT NOT NULL,
					occurred_at TEXT NOT NULL,
					merchant_name TEXT NOT NULL DEFAULT '',
					name TEXT NOT NULL DEFAULT '',
					type TEXT NOT NULL,
					category_id INTEGER REFERENCES categories(id),
					auto_categorized INTEGER NOT NULL DEFAULT 0,
					linked_evidence_id TEXT,
					pending INTEGER NOT NULL DEFAULT 0,
					removed INTEGER NOT NULL DEFAULT 0,
					pending_transaction_id TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL,
					UNIQUE(account_ref, provider_id)
				)`,
				`CREATE INDEX idx_transactions_user_occurred ON transactions(user_id, occurred_at)`,
				`CREATE UNIQUE INDEX idx_transactions_linked_evidence
					ON transactions(linked_evidence_id) WHERE linked_evidence_id IS NOT NULL`,

				`CREATE TABLE IF NOT EXISTS merchant_rules (
					user_id TEXT NOT NULL DEFAULT '',
					merchant TEXT NOT NULL,
					category_id INTEGER NOT NULL REFERENCES categories(id),
					use_count INTEGER NOT NULL DEFAULT 0,
					updated_at TEXT NOT NULL,
					PRIMARY KEY (user_id, merchant)
				)`,

				`CREATE TABLE IF NOT EXISTS evidence_blobs (
					evidence_id TEXT PRIMARY KEY,
					content_type TEXT NOT NULL DEFAULT '',
					data BLOB NOT NULL,
					created_at TEXT NOT NULL
				)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "Add durable work queue, circuit breakers, source accounts and user profiles",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS work_units (
					id TEXT PRIMARY KEY,
					kind TEXT NOT NULL,
					user_id TEXT NOT NULL,
					source_kind TEXT NOT NULL,
					payload_ref TEXT NOT NULL,
					cursor TEXT NOT NULL DEFAULT '',
					attempt_count INTEGER NOT NULL DEFAULT 0,
					state TEXT NOT NULL,
					next_attempt_at TEXT NOT NULL,
					breaker_key TEXT NOT NULL,
					cancelled INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
				`CREATE INDEX idx_work_units_due ON work_units(state, next_attempt_at)`,
				`CREATE INDEX idx_work_units_breaker ON work_units(breaker_key, state)`,
				`CREATE INDEX idx_work_units_payload ON work_units(kind, payload_ref)`,

				`CREATE TABLE IF NOT EXISTS circuit_breakers (
					breaker_key TEXT PRIMARY KEY,
					state TEXT NOT NULL,
					failure_count INTEGER NOT NULL DEFAULT 0,
					opened_at TEXT,
					failures TEXT NOT NULL DEFAULT '[]',
					updated_at TEXT NOT NULL
				)`,

				`CREATE TABLE IF NOT EXISTS source_accounts (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					provider TEXT NOT NULL,
					account_ref TEXT NOT NULL,
					cursor TEXT NOT NULL DEFAULT '',
					last_polled_at TEXT,
					active INTEGER NOT NULL DEFAULT 1,
					created_at TEXT NOT NULL,
					UNIQUE(provider, account_ref)
				)`,
				`CREATE INDEX idx_source_accounts_kind ON source_accounts(kind, active)`,

				`CREATE TABLE IF NOT EXISTS user_profiles (
					user_id TEXT PRIMARY KEY,
					currency TEXT NOT NULL DEFAULT '',
					phone_number TEXT NOT NULL DEFAULT ''
				)`,
				`CREATE INDEX idx_user_profiles_phone ON user_profiles(phone_number)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "Seed default categories",
		Up: func(tx *sql.Tx) error {
			now := formatTime(time.Now())
			for _, cat := range DefaultCategories {
				keywords, err := json.Marshal(cat.Keywords)
				if err != nil {
					return fmt.Errorf("failed to encode keywords for %s: %w", cat.Name, err)
				}
				if cat.Keywords == nil {
					keywords = []byte("[]")
				}
				if _, err := tx.Exec(`
					INSERT OR IGNORE INTO categories (user_id, name, type, keywords, is_active, created_at)
					VALUES ('', ?, ?, ?, 1, ?)
				`, cat.Name, string(cat.Type), string(keywords), now); err != nil {
					return fmt.Errorf("failed to seed category %s: %w", cat.Name, err)
				}
			}
			return nil
		},
	},
	{
		Version:     4,
		Description: "Record category sources and provider link ids",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`ALTER TABLE evidence ADD COLUMN category_source TEXT NOT NULL DEFAULT ''`,
				`ALTER TABLE transactions ADD COLUMN category_source TEXT NOT NULL DEFAULT ''`,
				`ALTER TABLE source_accounts ADD COLUMN external_id TEXT NOT NULL DEFAULT ''`,
				`CREATE INDEX idx_source_accounts_external ON source_accounts(provider, external_id)`,
				// Before this column existed the fallback was the only
				// non-manual category stored without the auto flag.
				`UPDATE evidence SET category_source = CASE
					WHEN auto_categorized = 1 THEN 'keyword'
					WHEN category_id IN (SELECT id FROM categories WHERE type = 'system') THEN 'fallback'
					ELSE 'manual' END
				WHERE category_id IS NOT NULL`,
				`UPDATE transactions SET category_source = CASE
					WHEN auto_categorized = 1 THEN 'keyword'
					WHEN category_id IN (SELECT id FROM categories WHERE type = 'system') THEN 'fallback'
					ELSE 'manual' END
				WHERE category_id IS NOT NULL`,
			}
			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"component", "storage",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion returns the current schema version of the database.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
