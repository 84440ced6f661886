package storage

import (
	"context"
	"testing"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCategory(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	parent := &model.Category{UserID: "user-1", Name: "Travel", Keywords: []string{" Airline ", "HOTEL", ""}}
	require.NoError(t, store.CreateCategory(ctx, parent))
	assert.NotZero(t, parent.ID)
	assert.Equal(t, model.CategoryTypeExpense, parent.Type)

	child := &model.Category{UserID: "user-1", Name: "Flights", ParentID: &parent.ID}
	require.NoError(t, store.CreateCategory(ctx, child))

	got, err := store.GetCategory(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"airline", "hotel"}, got.Keywords)

	gotChild, err := store.GetCategory(ctx, child.ID)
	require.NoError(t, err)
	require.NotNil(t, gotChild.ParentID)
	assert.Equal(t, parent.ID, *gotChild.ParentID)

	missing := int64(9999)
	err = store.CreateCategory(ctx, &model.Category{UserID: "user-1", Name: "Orphan", ParentID: &missing})
	assert.ErrorIs(t, err, common.ErrNotFound)

	err = store.CreateCategory(ctx, &model.Category{UserID: "user-1", Name: "Travel"})
	assert.ErrorIs(t, err, common.ErrDuplicateEntry)

	err = store.CreateCategory(ctx, &model.Category{UserID: "user-1", Name: "Odd", Type: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidCategory)
}

func TestGetCategoryByName_PrefersUserCategory(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	shared, err := store.GetCategoryByName(ctx, "user-1", "groceries")
	require.NoError(t, err)
	assert.Empty(t, shared.UserID)

	own := &model.Category{UserID: "user-1", Name: "Groceries"}
	require.NoError(t, store.CreateCategory(ctx, own))

	got, err := store.GetCategoryByName(ctx, "user-1", "GROCERIES")
	require.NoError(t, err)
	assert.Equal(t, own.ID, got.ID)

	other, err := store.GetCategoryByName(ctx, "user-2", "Groceries")
	require.NoError(t, err)
	assert.Equal(t, shared.ID, other.ID)

	_, err = store.GetCategoryByName(ctx, "user-1", "Nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSetCategoryParent_RejectsCycles(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	a := &model.Category{Name: "A"}
	require.NoError(t, store.CreateCategory(ctx, a))
	b := &model.Category{Name: "B", ParentID: &a.ID}
	require.NoError(t, store.CreateCategory(ctx, b))
	c := &model.Category{Name: "C", ParentID: &b.ID}
	require.NoError(t, store.CreateCategory(ctx, c))

	tests := []struct {
		name   string
		id     int64
		parent int64
	}{
		{name: "self", id: a.ID, parent: a.ID},
		{name: "direct", id: a.ID, parent: b.ID},
		{name: "transitive", id: a.ID, parent: c.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.SetCategoryParent(ctx, tt.id, &tt.parent)
			var cfgErr *common.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.ErrorIs(t, err, common.ErrCategoryCycle)
			assert.Equal(t, common.ClassConfiguration, common.Classify(err))
		})
	}

	got, err := store.GetCategory(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentID, "rejected update leaves the tree unchanged")

	// Moving C to the root is fine.
	require.NoError(t, store.SetCategoryParent(ctx, c.ID, nil))
	got, err = store.GetCategory(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentID)
}

func TestSetCategoryKeywords(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	cat := &model.Category{Name: "Pets"}
	require.NoError(t, store.CreateCategory(ctx, cat))
	require.NoError(t, store.SetCategoryKeywords(ctx, cat.ID, []string{"Petco", "vet"}))

	got, err := store.GetCategory(ctx, cat.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"petco", "vet"}, got.Keywords)

	assert.ErrorIs(t, store.SetCategoryKeywords(ctx, 9999, nil), common.ErrNotFound)
}

func TestMerchantRules(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	groceries, err := store.GetCategoryByName(ctx, "", "Groceries")
	require.NoError(t, err)
	shopping, err := store.GetCategoryByName(ctx, "", "Shopping")
	require.NoError(t, err)

	_, err = store.GetMerchantRule(ctx, "user-1", "target")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, store.SaveMerchantRule(ctx, &model.MerchantRule{UserID: "user-1", Merchant: "target", CategoryID: groceries.ID}))
	require.NoError(t, store.SaveMerchantRule(ctx, &model.MerchantRule{UserID: "user-1", Merchant: "target", CategoryID: shopping.ID}))

	rule, err := store.GetMerchantRule(ctx, "user-1", "target")
	require.NoError(t, err)
	assert.Equal(t, shopping.ID, rule.CategoryID)
	assert.Equal(t, 2, rule.UseCount)

	_, err = store.GetMerchantRule(ctx, "", "target")
	assert.ErrorIs(t, err, common.ErrNotFound, "user rules are not shared")
}
