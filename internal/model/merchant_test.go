package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanMerchantName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "store number", input: "TRADER JOE'S #123", expected: "Trader Joe's"},
		{name: "corporate suffix", input: "AMAZON.COM INC", expected: "Amazon.com"},
		{name: "stacked suffixes", input: "ACME CORPORATION LLC", expected: "Acme"},
		{name: "trailing transaction id", input: "WALMART 123456789", expected: "Walmart"},
		{name: "collapses whitespace", input: "  blue   bottle  coffee ", expected: "Blue Bottle Coffee"},
		{name: "keeps short numbers", input: "7 ELEVEN", expected: "7 Eleven"},
		{name: "single numeric word kept", input: "76", expected: "76"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanMerchantName(tt.input))
		})
	}
}

func TestMerchantTokens(t *testing.T) {
	assert.Equal(t, []string{"trader", "joes"}, MerchantTokens("TRADER JOE'S #123"))
	assert.Equal(t, []string{"trader", "joes"}, MerchantTokens("Trader Joes"))
	assert.Equal(t, []string{"whole", "foods", "market"}, MerchantTokens("The Whole Foods Market Store 10234"))
	assert.Empty(t, MerchantTokens("#42"))
}

func TestTokenOverlap(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected float64
	}{
		{name: "apostrophe and store number", a: "Trader Joes", b: "TRADER JOE'S #123", expected: 1.0},
		{name: "subset", a: "Starbucks", b: "Starbucks Coffee Seattle", expected: 1.0},
		{name: "partial", a: "Shell Oil", b: "Shell Gas", expected: 0.5},
		{name: "disjoint", a: "Target", b: "Walmart", expected: 0},
		{name: "unknown merchant", a: "", b: "Walmart", expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, TokenOverlap(tt.a, tt.b), 1e-9)
		})
	}
}

func TestMerchantKey(t *testing.T) {
	assert.Equal(t, MerchantKey("Trader Joe's"), MerchantKey("TRADER JOES #55"))
	assert.Equal(t, "blue bottle coffee", MerchantKey("Blue Bottle Coffee, Inc."))
}
