package categorize

import (
	"testing"

	"github.com/Veraticus/spendlot/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestMatcher(t *testing.T) {
	food := int64(1)
	tree := model.NewCategoryTree([]model.Category{
		{ID: 1, Name: "Food", Type: model.CategoryTypeExpense, Keywords: []string{"bar", "cafe"}},
		{ID: 2, Name: "Fuel", Type: model.CategoryTypeExpense, Keywords: []string{"BP", " gas "}},
		{ID: 3, Name: "Coffee", Type: model.CategoryTypeExpense, ParentID: &food, Keywords: []string{"cafe"}},
		{ID: 4, Name: "Salary", Type: model.CategoryTypeIncome, Keywords: []string{"payroll"}},
		{ID: 5, Name: "Uncategorized", Type: model.CategoryTypeSystem, Keywords: []string{"misc"}},
	})
	m := NewMatcher(tree)
	assert.Equal(t, 6, m.Len())

	tests := []struct {
		name     string
		text     string
		credit   bool
		expected int64
		ok       bool
	}{
		{name: "whole word", text: "Joe's Bar", expected: 1, ok: true},
		{name: "inside a word", text: "Barnes & Noble", ok: false},
		{name: "punctuation boundary", text: "BP#1234 FUEL", expected: 2, ok: true},
		{name: "trimmed keyword", text: "Costco Gas", expected: 2, ok: true},
		{name: "deeper category on equal length", text: "Cafe Roma", expected: 3, ok: true},
		{name: "income needs a credit", text: "ACME PAYROLL", ok: false},
		{name: "income on credit", text: "ACME PAYROLL", credit: true, expected: 4, ok: true},
		{name: "system categories never match", text: "misc charges", ok: false},
		{name: "empty", text: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, _, ok := m.Match(tt.text, tt.credit)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, id)
		})
	}
}
