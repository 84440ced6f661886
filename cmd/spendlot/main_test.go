package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/Veraticus/spendlot/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestCommands(t *testing.T) {
	db := "--database=" + filepath.Join(t.TempDir(), "spendlot.db")

	t.Run("version", func(t *testing.T) {
		assert.Contains(t, run(t, "version"), "spendlot dev")
	})

	t.Run("migrate", func(t *testing.T) {
		assert.Contains(t, run(t, "migrate", db), "schema version")
	})

	t.Run("sms receipt end to end", func(t *testing.T) {
		run(t, "users", "set", "alice", "--phone", "(555) 010-2030", db)

		out := run(t, "submit", "sms", "--from", "+15550102030", "--sid", "SM1", "--process", db, "Paid $4.50 at Blue Bottle")
		assert.Contains(t, out, "received")
		assert.Contains(t, out, string(model.StatusCompleted))
		assert.Contains(t, out, "4.50")

		again := run(t, "submit", "sms", "--from", "+15550102030", "--sid", "SM1", db, "Paid $4.50 at Blue Bottle")
		assert.Contains(t, again, "already received")

		assert.Contains(t, run(t, "evidence", "list", "--user", "alice", db), "sms")
		assert.Contains(t, run(t, "workunits", "list", "--state", "succeeded", db), "sms_parse")
	})

	t.Run("categories", func(t *testing.T) {
		assert.Contains(t, run(t, "categories", "list", db), "Groceries")
	})

	t.Run("recategorize after adding a category", func(t *testing.T) {
		run(t, "categories", "add", "Coffee", "--user", "alice", "--keywords", "blue bottle", db)

		dry := run(t, "recategorize", "--user", "alice", "--dry-run", db)
		assert.Contains(t, dry, "Blue Bottle")
		assert.Contains(t, dry, "no changes made")

		assert.Contains(t, run(t, "recategorize", "--user", "alice", db), "moved 1")
		assert.Contains(t, run(t, "recategorize", "--user", "alice", db), "nothing to move")
	})

	t.Run("breakers", func(t *testing.T) {
		out := run(t, "breakers", db)
		assert.Contains(t, out, model.BreakerOCRVision)
		assert.Contains(t, out, "closed")
	})
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name    string
		account model.SourceAccount
		want    string
	}{
		{name: "plaid token", account: model.SourceAccount{Provider: model.ProviderPlaid, AccountRef: "access-sandbox-1234abcd"}, want: "acce…abcd"},
		{name: "short token", account: model.SourceAccount{Provider: model.ProviderPlaid, AccountRef: "abc"}, want: "abc"},
		{name: "mailbox", account: model.SourceAccount{Provider: model.ProviderGmail, AccountRef: "me@example.com"}, want: "me@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, redact(tt.account))
		})
	}
}
