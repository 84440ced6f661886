package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func sampleTree() *CategoryTree {
	return NewCategoryTree([]Category{
		{ID: 1, Name: "Food & Dining"},
		{ID: 2, Name: "Groceries", ParentID: ptr(1)},
		{ID: 3, Name: "Coffee Shops", ParentID: ptr(1)},
		{ID: 4, Name: "Organic", ParentID: ptr(2)},
		{ID: 5, Name: "Income", Type: CategoryTypeIncome},
	})
}

func TestCategoryTree_Structure(t *testing.T) {
	tree := sampleTree()

	assert.Equal(t, 5, tree.Len())
	assert.Equal(t, []int64{2, 3}, tree.Children(1))
	assert.True(t, tree.HasChildren(2))
	assert.False(t, tree.HasChildren(3))
	assert.Equal(t, 0, tree.Depth(1))
	assert.Equal(t, 2, tree.Depth(4))
	assert.Equal(t, "Food & Dining > Groceries > Organic", tree.Path(4))

	income, ok := tree.Get(5)
	require.True(t, ok)
	assert.True(t, income.IsIncome())
}

func TestCategoryTree_WouldCycle(t *testing.T) {
	tree := sampleTree()

	tests := []struct {
		name     string
		id       int64
		parent   int64
		expected bool
	}{
		{name: "self parent", id: 1, parent: 1, expected: true},
		{name: "descendant as parent", id: 1, parent: 4, expected: true},
		{name: "direct child as parent", id: 2, parent: 4, expected: true},
		{name: "sibling", id: 3, parent: 2, expected: false},
		{name: "unrelated root", id: 5, parent: 4, expected: false},
		{name: "unknown parent", id: 3, parent: 99, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tree.WouldCycle(tt.id, tt.parent))
		})
	}
}

func TestCategoryTree_Validate(t *testing.T) {
	require.NoError(t, sampleTree().Validate())

	cyclic := NewCategoryTree([]Category{
		{ID: 1, Name: "A", ParentID: ptr(3)},
		{ID: 2, Name: "B", ParentID: ptr(1)},
		{ID: 3, Name: "C", ParentID: ptr(2)},
	})
	err := cyclic.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	dangling := NewCategoryTree([]Category{
		{ID: 1, Name: "A", ParentID: ptr(42)},
	})
	err = dangling.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing parent")
}

func TestMoneyHelpers(t *testing.T) {
	assert.Equal(t, "0.01", MinorUnit("usd").String())
	assert.Equal(t, "1", MinorUnit("JPY").String())
	assert.Equal(t, "0.001", MinorUnit("KWD").String())
	assert.Equal(t, "42.51", RoundToMinor(decimal.RequireFromString("42.505"), "USD").String())
	assert.Equal(t, "EUR", NormalizeCurrency(" eur ", "USD"))
	assert.Equal(t, "GBP", NormalizeCurrency("", "gbp"))
	assert.Equal(t, DefaultCurrency, NormalizeCurrency("", ""))
}

func TestSignedToAbsolute(t *testing.T) {
	amount, typ := SignedToAbsolute(decimal.RequireFromString("12.30"), true)
	assert.Equal(t, "12.3", amount.String())
	assert.Equal(t, TransactionDebit, typ)

	amount, typ = SignedToAbsolute(decimal.RequireFromString("-50"), true)
	assert.Equal(t, "50", amount.String())
	assert.Equal(t, TransactionCredit, typ)

	_, typ = SignedToAbsolute(decimal.RequireFromString("-8.00"), false)
	assert.Equal(t, TransactionDebit, typ)
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "5551234567", NormalizePhone("+1 (555) 123-4567"))
	assert.Equal(t, "5551234567", NormalizePhone("555.123.4567"))
	assert.Equal(t, "445551234567", NormalizePhone("+44 555 123 4567"))
}

func TestWorkKind_SourceKind(t *testing.T) {
	kind, err := WorkOCR.SourceKind()
	require.NoError(t, err)
	assert.Equal(t, SourceImage, kind)

	_, err = WorkKind("fax").SourceKind()
	assert.Error(t, err)

	assert.Equal(t, BreakerOCRVision, DefaultBreakerKey(WorkOCR))
	acct := SourceAccount{Provider: ProviderOFX, Kind: SourceBank}
	assert.Equal(t, BreakerBankOFX, acct.BreakerKey())
}
