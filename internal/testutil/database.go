// Package testutil provides sqlite-backed fixtures shared by package tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/storage"
)

// BaseTime is the instant every test clock starts from.
var BaseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// Clock is a manually driven clock safe for concurrent use.
type Clock struct {
	now  time.Time
	step time.Duration
	mu   sync.Mutex
}

// NewClock returns a clock at start. A non-zero step advances the clock on
// every read so consecutive records get distinct timestamps.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{now: start, step: step}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// TestDB is a migrated in-memory database plus the clock it runs on.
type TestDB struct {
	Storage *storage.SQLiteStorage
	Clock   *Clock
	t       *testing.T
}

// SetupTestDB creates a new in-memory test database. Migrations run and the
// database is closed when the test ends.
//
// Example:
//
//	db := testutil.SetupTestDB(t)
//	groceries := db.MustCategory("Groceries")
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	clock := NewClock(BaseTime, time.Second)
	store.SetClock(clock.Now)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return &TestDB{Storage: store, Clock: clock, t: t}
}

// MustCategory returns the id of the shared category with the given name or
// fails the test.
func (db *TestDB) MustCategory(name string) int64 {
	db.t.Helper()
	c, err := db.Storage.GetCategoryByName(context.Background(), "", name)
	if err != nil {
		db.t.Fatalf("category %q not found: %v", name, err)
	}
	return c.ID
}

// MustCreateCategory creates a category and returns it.
func (db *TestDB) MustCreateCategory(c model.Category) model.Category {
	db.t.Helper()
	if err := db.Storage.CreateCategory(context.Background(), &c); err != nil {
		db.t.Fatalf("failed to create category %q: %v", c.Name, err)
	}
	return c
}

// MustCreateEvidence inserts e and returns it with its generated fields.
func (db *TestDB) MustCreateEvidence(e *model.Evidence) *model.Evidence {
	db.t.Helper()
	if err := db.Storage.CreateEvidence(context.Background(), e); err != nil {
		db.t.Fatalf("failed to create evidence: %v", err)
	}
	return e
}

// MustSaveTransactions stores transactions and returns what was persisted.
func (db *TestDB) MustSaveTransactions(txns ...model.Transaction) []model.Transaction {
	db.t.Helper()
	saved, err := db.Storage.SaveTransactions(context.Background(), txns)
	if err != nil {
		db.t.Fatalf("failed to save transactions: %v", err)
	}
	return saved
}
