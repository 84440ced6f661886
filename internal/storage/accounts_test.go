package storage

import (
	"context"
	"testing"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceAccounts(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	mail := &model.SourceAccount{UserID: "user-1", Kind: model.SourceMail, Provider: model.ProviderGmail, AccountRef: "me@example.com"}
	require.NoError(t, store.CreateSourceAccount(ctx, mail))
	bank := &model.SourceAccount{UserID: "user-1", Kind: model.SourceBank, Provider: model.ProviderPlaid, AccountRef: "access-1", ExternalID: "item-1"}
	require.NoError(t, store.CreateSourceAccount(ctx, bank))

	byItem, err := store.GetSourceAccountByExternalID(ctx, model.ProviderPlaid, "item-1")
	require.NoError(t, err)
	assert.Equal(t, bank.ID, byItem.ID)
	_, err = store.GetSourceAccountByExternalID(ctx, model.ProviderPlaid, "item-2")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = store.GetSourceAccountByExternalID(ctx, model.ProviderGmail, "item-1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	dup := &model.SourceAccount{UserID: "user-2", Kind: model.SourceMail, Provider: model.ProviderGmail, AccountRef: "me@example.com"}
	assert.ErrorIs(t, store.CreateSourceAccount(ctx, dup), common.ErrDuplicateEntry)

	bad := &model.SourceAccount{UserID: "user-1", Kind: model.SourceSMS, Provider: "twilio", AccountRef: "x"}
	assert.ErrorIs(t, store.CreateSourceAccount(ctx, bad), ErrInvalidAccount)

	polled := baseTime.Add(time.Hour)
	require.NoError(t, store.UpdateSourceAccountCursor(ctx, bank.ID, "cursor-2", polled))
	got, err := store.GetSourceAccount(ctx, bank.ID)
	require.NoError(t, err)
	assert.Equal(t, "cursor-2", got.Cursor)
	require.NotNil(t, got.LastPolledAt)
	assert.Equal(t, polled, *got.LastPolledAt)

	require.NoError(t, store.SetSourceAccountActive(ctx, mail.ID, false))
	active, err := store.ListSourceAccounts(ctx, "", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, bank.ID, active[0].ID)

	allMail, err := store.ListSourceAccounts(ctx, model.SourceMail, false)
	require.NoError(t, err)
	assert.Len(t, allMail, 1)

	assert.ErrorIs(t, store.SetSourceAccountActive(ctx, "missing", true), common.ErrNotFound)
}

func TestUserProfiles(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.SaveUserProfile(ctx, &model.UserProfile{UserID: "user-1", Currency: "eur", PhoneNumber: "+1 (555) 010-2030"}))

	got, err := store.GetUserProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "EUR", got.Currency)
	assert.Equal(t, "5550102030", got.PhoneNumber)

	found, err := store.FindUserByPhone(ctx, "555-010-2030")
	require.NoError(t, err)
	assert.Equal(t, "user-1", found.UserID)

	_, err = store.FindUserByPhone(ctx, "555-999-0000")
	assert.ErrorIs(t, err, common.ErrUnknownUser)

	_, err = store.GetUserProfile(ctx, "user-2")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestBreakers(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	_, err := store.GetBreaker(ctx, model.BreakerOCRVision)
	assert.ErrorIs(t, err, common.ErrNotFound)

	opened := baseTime
	state := &model.CircuitState{
		BreakerKey:   model.BreakerOCRVision,
		State:        model.BreakerOpen,
		FailureCount: 2,
		OpenedAt:     &opened,
		Failures:     []time.Time{baseTime.Add(-time.Minute), baseTime},
	}
	require.NoError(t, store.SaveBreaker(ctx, state))
	require.NoError(t, store.SaveBreaker(ctx, &model.CircuitState{BreakerKey: model.BreakerBankPlaid, State: model.BreakerClosed}))

	got, err := store.GetBreaker(ctx, model.BreakerOCRVision)
	require.NoError(t, err)
	assert.Equal(t, model.BreakerOpen, got.State)
	assert.Equal(t, state.Failures, got.Failures)
	require.NotNil(t, got.OpenedAt)
	assert.Equal(t, opened, *got.OpenedAt)

	all, err := store.ListBreakers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, model.BreakerBankPlaid, all[0].BreakerKey)
	assert.Empty(t, all[0].Failures)
}

func TestBlobs(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	e := &model.Evidence{UserID: "user-1", SourceKind: model.SourceImage}
	require.NoError(t, store.CreateEvidence(ctx, e))

	assert.ErrorIs(t, store.SaveBlob(ctx, e.ID, "image/png", nil), common.ErrEmptyPayload)
	require.NoError(t, store.SaveBlob(ctx, e.ID, "image/png", []byte{0x89, 'P', 'N', 'G'}))

	data, contentType, err := store.GetBlob(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)

	_, _, err = store.GetBlob(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
