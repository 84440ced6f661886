package storage

import (
	"context"
	"testing"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveTransactions_UpsertPreservesCategory(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	first := saveTxn(t, store, "p1", "10.00", 0)
	groceries, err := store.GetCategoryByName(ctx, "user-1", "Groceries")
	require.NoError(t, err)
	require.NoError(t, store.UpdateTransactionCategory(ctx, first.ID, &groceries.ID, false, model.CategorySourceManual))

	second := saveTxn(t, store, "p1", "12.00", 0)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "12", second.Amount.String())
	require.NotNil(t, second.CategoryID)
	assert.Equal(t, groceries.ID, *second.CategoryID)
	assert.True(t, second.ManuallyCategorized())
}

func TestSaveTransactions_Validation(t *testing.T) {
	store := createTestStorage(t)

	_, err := store.SaveTransactions(context.Background(), []model.Transaction{{
		UserID:     "user-1",
		AccountRef: "acct-1",
		ProviderID: "p1",
		Amount:     *amount("-3.00"),
		OccurredAt: *day(0),
		Type:       model.TransactionDebit,
	}})
	assert.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestSaveTransactions_PostedInheritsPendingLink(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	pending, err := store.SaveTransactions(ctx, []model.Transaction{{
		UserID: "user-1", AccountRef: "acct-1", ProviderID: "pend-1",
		Amount: *amount("20.00"), Currency: "USD", OccurredAt: *day(0),
		Type: model.TransactionDebit, Pending: true,
	}})
	require.NoError(t, err)

	e := pendingEvidence(t, store)
	require.NoError(t, store.CommitResolution(ctx, e, model.DedupDecision{Kind: model.DedupLinked, TargetID: pending[0].ID}))

	dining, err := store.GetCategoryByName(ctx, "user-1", "food & dining")
	require.NoError(t, err)
	require.NoError(t, store.UpdateTransactionCategory(ctx, pending[0].ID, &dining.ID, false, model.CategorySourceManual))

	posted, err := store.SaveTransactions(ctx, []model.Transaction{{
		UserID: "user-1", AccountRef: "acct-1", ProviderID: "post-1",
		Amount: *amount("24.00"), Currency: "USD", OccurredAt: *day(1),
		Type: model.TransactionDebit, PendingTransactionID: "pend-1",
	}})
	require.NoError(t, err)
	require.Len(t, posted, 1)

	require.NotNil(t, posted[0].LinkedEvidenceID)
	assert.Equal(t, e.ID, *posted[0].LinkedEvidenceID)
	require.NotNil(t, posted[0].CategoryID)
	assert.Equal(t, dining.ID, *posted[0].CategoryID)
	assert.False(t, posted[0].AutoCategorized)
	assert.Equal(t, model.CategorySourceManual, posted[0].CategorySource)

	oldPending, err := store.GetTransaction(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Nil(t, oldPending.LinkedEvidenceID)

	gotEvidence, err := store.GetEvidence(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, posted[0].ID, *gotEvidence.LinkedTransactionID)
}

func TestMarkTransactionsRemoved(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	txn := saveTxn(t, store, "p1", "5.00", 0)
	e := pendingEvidence(t, store)
	require.NoError(t, store.CommitResolution(ctx, e, model.DedupDecision{Kind: model.DedupLinked, TargetID: txn.ID}))

	n, err := store.MarkTransactionsRemoved(ctx, "acct-1", []string{"p1", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.Removed)
	assert.Nil(t, got.LinkedEvidenceID)

	gotEvidence, err := store.GetEvidence(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DedupUnique, gotEvidence.DedupState)
	assert.Nil(t, gotEvidence.LinkedTransactionID)

	n, err = store.MarkTransactionsRemoved(ctx, "acct-1", []string{"p1"})
	require.NoError(t, err)
	assert.Zero(t, n, "already removed")

	pool, err := store.LoadPool(ctx, service.PoolQuery{UserID: "user-1", OccurredFrom: day(-1), OccurredTo: day(1)})
	require.NoError(t, err)
	assert.Empty(t, pool.Transactions, "removed transactions are not linkable")
}

func TestUpdateTransactionCategory_NotFound(t *testing.T) {
	store := createTestStorage(t)
	err := store.UpdateTransactionCategory(context.Background(), "missing", nil, true, model.CategorySourceKeyword)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestListTransactions_DateRange(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	saveTxn(t, store, "p1", "1.00", 0)
	saveTxn(t, store, "p2", "2.00", 5)
	saveTxn(t, store, "p3", "3.00", 10)

	got, err := store.ListTransactions(ctx, service.TransactionFilter{UserID: "user-1", StartDate: day(1), EndDate: day(10)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p3", got[0].ProviderID)
	assert.Equal(t, "p2", got[1].ProviderID)
}

func TestUpdateTransactionCategory_ManualWins(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	txn := saveTxn(t, store, "p1", "10.00", 0)
	dining, err := store.GetCategoryByName(ctx, "", "Food & Dining")
	require.NoError(t, err)
	uncat, err := store.GetCategoryByName(ctx, "", "Uncategorized")
	require.NoError(t, err)
	require.NoError(t, store.UpdateTransactionCategory(ctx, txn.ID, &uncat.ID, false, model.CategorySourceManual))

	err = store.UpdateTransactionCategory(ctx, txn.ID, &dining.ID, true, model.CategorySourceKeyword)
	assert.Equal(t, common.ClassConflict, common.Classify(err))

	got, err := store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, uncat.ID, *got.CategoryID)
	assert.Equal(t, model.CategorySourceManual, got.CategorySource)

	require.NoError(t, store.UpdateTransactionCategory(ctx, txn.ID, &dining.ID, false, model.CategorySourceManual))
	got, err = store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, dining.ID, *got.CategoryID)
}

func TestListTransactions_CategorySources(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	uncat, err := store.GetCategoryByName(ctx, "", "Uncategorized")
	require.NoError(t, err)
	fallback := saveTxn(t, store, "p1", "1.00", 0)
	manual := saveTxn(t, store, "p2", "2.00", 1)
	saveTxn(t, store, "p3", "3.00", 2)
	require.NoError(t, store.UpdateTransactionCategory(ctx, fallback.ID, &uncat.ID, false, model.CategorySourceFallback))
	require.NoError(t, store.UpdateTransactionCategory(ctx, manual.ID, &uncat.ID, false, model.CategorySourceManual))

	txns, err := store.ListTransactions(ctx, service.TransactionFilter{
		UserID:          "user-1",
		CategorySources: []model.CategorySource{model.CategorySourceFallback, model.CategorySourceNone},
	})
	require.NoError(t, err)
	ids := make([]string, 0, len(txns))
	for _, txn := range txns {
		ids = append(ids, txn.ID)
		assert.NotEqual(t, model.CategorySourceManual, txn.CategorySource)
	}
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, fallback.ID)
}
