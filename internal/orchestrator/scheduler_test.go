package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
	"github.com/Veraticus/spendlot/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Tick(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	s := NewScheduler(db.Storage, db.Storage, db.Storage, SchedulerConfig{MailInterval: 15 * time.Minute, BankInterval: 6 * time.Hour})
	s.SetClock(db.Clock.Now)

	mailbox := &model.SourceAccount{UserID: "user-1", Kind: model.SourceMail, Provider: model.ProviderGmail, AccountRef: "me@example.com"}
	bank := &model.SourceAccount{UserID: "user-1", Kind: model.SourceBank, Provider: model.ProviderOFX, AccountRef: "/tmp/statement.qfx"}
	paused := &model.SourceAccount{UserID: "user-2", Kind: model.SourceBank, Provider: model.ProviderPlaid, AccountRef: "access-sandbox"}
	for _, a := range []*model.SourceAccount{mailbox, bank, paused} {
		require.NoError(t, db.Storage.CreateSourceAccount(ctx, a))
	}
	require.NoError(t, db.Storage.SetSourceAccountActive(ctx, paused.ID, false))

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	units, err := db.Storage.ListWork(ctx, service.WorkFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, units, 2)
	keys := map[model.WorkKind]string{}
	for _, u := range units {
		keys[u.Kind] = u.BreakerKey
	}
	assert.Equal(t, model.BreakerMailGmail, keys[model.WorkMailPoll])
	assert.Equal(t, model.BreakerBankOFX, keys[model.WorkBankSync])

	// Polls already waiting are not duplicated.
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	t.Run("recently polled accounts wait for their interval", func(t *testing.T) {
		for _, u := range units {
			u.State = model.WorkSucceeded
			require.NoError(t, db.Storage.ClaimWork(ctx, u.ID, db.Clock.Now()))
			require.NoError(t, db.Storage.UpdateWorkUnit(ctx, &u, model.WorkRunning))
		}
		require.NoError(t, db.Storage.UpdateSourceAccountCursor(ctx, mailbox.ID, "", db.Clock.Now()))
		require.NoError(t, db.Storage.UpdateSourceAccountCursor(ctx, bank.ID, "2026-03-14", db.Clock.Now()))

		n, err := s.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		db.Clock.Advance(20 * time.Minute)
		n, err = s.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "only the mailbox is due")
	})
}

func TestScheduler_SweepPending(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	s := NewScheduler(db.Storage, db.Storage, db.Storage, SchedulerConfig{SweepAge: 10 * time.Minute})
	s.SetClock(db.Clock.Now)

	sms := db.MustCreateEvidence(&model.Evidence{UserID: "user-1", SourceKind: model.SourceSMS, RawText: "Charged $5.00", Status: model.StatusPending})
	image := db.MustCreateEvidence(&model.Evidence{UserID: "user-1", SourceKind: model.SourceImage, Status: model.StatusPending})
	busy := db.MustCreateEvidence(&model.Evidence{UserID: "user-2", SourceKind: model.SourceImage, Status: model.StatusPending})
	require.NoError(t, db.Storage.EnqueueWork(ctx, &model.WorkUnit{Kind: model.WorkOCR, UserID: "user-2", PayloadRef: busy.ID}))

	n, err := s.SweepPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh evidence is left alone")

	db.Clock.Advance(15 * time.Minute)
	n, err = s.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	units, err := db.Storage.ListWork(ctx, service.WorkFilter{UserID: "user-1"})
	require.NoError(t, err)
	kinds := map[string]model.WorkKind{}
	for _, u := range units {
		kinds[u.PayloadRef] = u.Kind
	}
	assert.Equal(t, model.WorkSMSParse, kinds[sms.ID])
	assert.Equal(t, model.WorkOCR, kinds[image.ID])

	n, err = s.SweepPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type fakeRecategorizer struct {
	changed int
	err     error
	calls   int
}

func (f *fakeRecategorizer) RecategorizeStale(context.Context) (int, error) {
	f.calls++
	return f.changed, f.err
}

func TestScheduler_Recategorize(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	s := NewScheduler(db.Storage, db.Storage, db.Storage, SchedulerConfig{})

	n, err := s.Recategorize(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no recategorizer configured")

	r := &fakeRecategorizer{changed: 3}
	s.SetRecategorizer(r)
	n, err = s.Recategorize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, r.calls)

	r.err = errors.New("categories unavailable")
	_, err = s.Recategorize(ctx)
	assert.ErrorIs(t, err, r.err)
	assert.Equal(t, 24*time.Hour, s.cfg.RecategorizeInterval)
}
