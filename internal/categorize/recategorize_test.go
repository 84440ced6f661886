package categorize

import (
	"context"
	"testing"

	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recategorizeFixture struct {
	db       *testutil.TestDB
	engine   *Engine
	uncat    int64
	books    model.Category
	corner   model.Category
	fallback *model.Evidence
	manual   *model.Evidence
	keyword  *model.Evidence
	txn      model.Transaction
}

// setupRecategorize stores records categorized before the user added a
// "Books" category and a more specific "Convenience" one.
func setupRecategorize(t *testing.T) *recategorizeFixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	f := &recategorizeFixture{db: db, engine: NewEngine(db.Storage, "Uncategorized"), uncat: db.MustCategory("Uncategorized")}
	shopping := db.MustCategory("Shopping")

	fallback := testutil.NewReceipt("user-1").Merchant("Nakamura Books").Amount("18.00").On(0).Build()
	fallback.CategoryID, fallback.CategorySource = &f.uncat, SourceFallback
	f.fallback = db.MustCreateEvidence(fallback)

	manual := testutil.NewReceipt("user-1").Merchant("Nakamura Books").Amount("7.00").On(1).Build()
	manual.CategoryID, manual.CategorySource = &f.uncat, SourceManual
	f.manual = db.MustCreateEvidence(manual)

	keyword := testutil.NewReceipt("user-1").Merchant("Corner Store").Amount("4.00").On(2).Build()
	keyword.CategoryID, keyword.CategorySource, keyword.AutoCategorized = &shopping, SourceKeyword, true
	f.keyword = db.MustCreateEvidence(keyword)

	f.txn = db.MustSaveTransactions(testutil.BankLine("user-1", "p1", "Nakamura Books", "18.00", 0))[0]
	require.NoError(t, db.Storage.UpdateTransactionCategory(ctx, f.txn.ID, &f.uncat, false, SourceFallback))

	f.books = db.MustCreateCategory(model.Category{UserID: "user-1", Name: "Books", Type: model.CategoryTypeExpense, Keywords: []string{"books"}})
	f.corner = db.MustCreateCategory(model.Category{UserID: "user-1", Name: "Convenience", Type: model.CategoryTypeExpense, Keywords: []string{"corner store"}})
	return f
}

func (f *recategorizeFixture) evidenceCategory(t *testing.T, id string) (int64, Source) {
	t.Helper()
	ev, err := f.db.Storage.GetEvidence(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, ev.CategoryID)
	return *ev.CategoryID, ev.CategorySource
}

func TestRecategorize_MovesFallbackRecords(t *testing.T) {
	f := setupRecategorize(t)
	ctx := context.Background()

	summary, err := f.engine.Recategorize(ctx, RecategorizeOptions{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Examined)
	assert.Zero(t, summary.Skipped)
	require.Len(t, summary.Changes, 2)
	for _, change := range summary.Changes {
		assert.Equal(t, f.uncat, *change.From)
		assert.Equal(t, f.books.ID, *change.To)
		assert.Equal(t, SourceKeyword, change.Source)
		assert.Equal(t, "Nakamura Books", change.Merchant)
	}

	id, source := f.evidenceCategory(t, f.fallback.ID)
	assert.Equal(t, f.books.ID, id)
	assert.Equal(t, SourceKeyword, source)

	txn, err := f.db.Storage.GetTransaction(ctx, f.txn.ID)
	require.NoError(t, err)
	assert.Equal(t, f.books.ID, *txn.CategoryID)
	assert.True(t, txn.AutoCategorized)

	id, source = f.evidenceCategory(t, f.manual.ID)
	assert.Equal(t, f.uncat, id, "a manual choice of the default category stays")
	assert.Equal(t, SourceManual, source)

	// Nothing is left to move.
	summary, err = f.engine.Recategorize(ctx, RecategorizeOptions{UserID: "user-1"})
	require.NoError(t, err)
	assert.Empty(t, summary.Changes)
}

func TestRecategorize_IncludeAuto(t *testing.T) {
	f := setupRecategorize(t)

	summary, err := f.engine.Recategorize(context.Background(), RecategorizeOptions{UserID: "user-1", IncludeAuto: true})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Examined)
	assert.Len(t, summary.Changes, 3)

	id, _ := f.evidenceCategory(t, f.keyword.ID)
	assert.Equal(t, f.corner.ID, id)
}

func TestRecategorize_DryRun(t *testing.T) {
	f := setupRecategorize(t)

	summary, err := f.engine.Recategorize(context.Background(), RecategorizeOptions{UserID: "user-1", DryRun: true})
	require.NoError(t, err)
	assert.Len(t, summary.Changes, 2)

	id, source := f.evidenceCategory(t, f.fallback.ID)
	assert.Equal(t, f.uncat, id)
	assert.Equal(t, SourceFallback, source)
}

func TestRecategorize_OtherUsersUntouched(t *testing.T) {
	f := setupRecategorize(t)

	summary, err := f.engine.Recategorize(context.Background(), RecategorizeOptions{UserID: "user-2"})
	require.NoError(t, err)
	assert.Zero(t, summary.Examined)

	changed, err := f.engine.RecategorizeStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, changed)
}
