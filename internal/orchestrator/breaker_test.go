package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_Delay(t *testing.T) {
	base, maxDelay := 30*time.Second, time.Hour
	low := Backoff{Base: base, Max: maxDelay, Rand: func() float64 { return 0 }}
	high := Backoff{Base: base, Max: maxDelay, Rand: func() float64 { return 0.9999 }}

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{attempt: 0, min: 24 * time.Second, max: 36 * time.Second},
		{attempt: 1, min: 24 * time.Second, max: 36 * time.Second},
		{attempt: 2, min: 48 * time.Second, max: 72 * time.Second},
		{attempt: 4, min: 192 * time.Second, max: 288 * time.Second},
		{attempt: 12, min: maxDelay, max: maxDelay},
		{attempt: 60, min: maxDelay, max: maxDelay},
	}
	for _, tt := range tests {
		assert.InDelta(t, float64(tt.min), float64(low.Delay(tt.attempt)), float64(time.Millisecond), "attempt %d", tt.attempt)
		assert.LessOrEqual(t, high.Delay(tt.attempt), tt.max, "attempt %d", tt.attempt)
		assert.GreaterOrEqual(t, high.Delay(tt.attempt), low.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	// Even the worst jitter never shortens the next delay before the cap.
	for attempt := 1; attempt < 8; attempt++ {
		assert.Less(t, high.Delay(attempt), low.Delay(attempt+1), "attempt %d", attempt)
	}
	assert.LessOrEqual(t, Backoff{Base: base, Max: maxDelay}.Delay(100), maxDelay)
}

func TestBreakers(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	b := NewBreakers(db.Storage, BreakerConfig{Threshold: 3, Window: time.Minute, Cooldown: 2 * time.Minute}, nil)
	key := model.BreakerMailGmail
	now := testutil.BaseTime

	admission, err := b.Admit(ctx, key, now)
	require.NoError(t, err)
	assert.True(t, admission.Admitted)
	assert.False(t, admission.Trial)

	t.Run("old failures slide out of the window", func(t *testing.T) {
		for _, offset := range []time.Duration{0, 50 * time.Second, 90 * time.Second} {
			opened, _, err := b.RecordFailure(ctx, key, now.Add(offset))
			require.NoError(t, err)
			assert.False(t, opened)
		}
		state, err := b.State(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, state.FailureCount)
	})

	t.Run("success resets", func(t *testing.T) {
		require.NoError(t, b.RecordSuccess(ctx, key))
		state, err := b.State(ctx, key)
		require.NoError(t, err)
		assert.Zero(t, state.FailureCount)
		assert.Equal(t, model.BreakerClosed, state.State)
	})

	openedAt := now.Add(5 * time.Minute)
	t.Run("threshold opens", func(t *testing.T) {
		var opened bool
		var until time.Time
		for i := range 3 {
			opened, until, err = b.RecordFailure(ctx, key, openedAt.Add(-time.Duration(2-i)*time.Second))
			require.NoError(t, err)
		}
		assert.True(t, opened)
		assert.Equal(t, openedAt.Add(2*time.Minute), until)

		admission, err := b.Admit(ctx, key, openedAt.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, admission.Admitted)
		assert.WithinDuration(t, until, admission.Until, 0)
	})

	t.Run("late success keeps an open breaker open", func(t *testing.T) {
		require.NoError(t, b.RecordSuccess(ctx, key))

		state, err := b.State(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, model.BreakerOpen, state.State)
		require.NotNil(t, state.OpenedAt)
		assert.WithinDuration(t, openedAt, *state.OpenedAt, 0)

		admission, err := b.Admit(ctx, key, openedAt.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, admission.Admitted)
	})

	t.Run("half open admits a single trial", func(t *testing.T) {
		after := openedAt.Add(3 * time.Minute)
		first, err := b.Admit(ctx, key, after)
		require.NoError(t, err)
		assert.True(t, first.Admitted)
		assert.True(t, first.Trial)

		second, err := b.Admit(ctx, key, after)
		require.NoError(t, err)
		assert.False(t, second.Admitted)
		assert.True(t, second.Until.IsZero())

		state, err := b.State(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, model.BreakerHalfOpen, state.State)

		// A released trial lets the next unit try.
		b.Release(key)
		third, err := b.Admit(ctx, key, after)
		require.NoError(t, err)
		assert.True(t, third.Trial)
	})

	t.Run("failed trial reopens with a fresh cooldown", func(t *testing.T) {
		failedAt := openedAt.Add(4 * time.Minute)
		opened, until, err := b.RecordFailure(ctx, key, failedAt)
		require.NoError(t, err)
		assert.True(t, opened)
		assert.Equal(t, failedAt.Add(2*time.Minute), until)

		state, err := b.State(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, model.BreakerOpen, state.State)
		assert.WithinDuration(t, failedAt, *state.OpenedAt, 0)
	})

	t.Run("successful trial closes", func(t *testing.T) {
		admission, err := b.Admit(ctx, key, openedAt.Add(10*time.Minute))
		require.NoError(t, err)
		require.True(t, admission.Trial)
		require.NoError(t, b.RecordSuccess(ctx, key))

		state, err := b.State(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, model.BreakerClosed, state.State)
		assert.Nil(t, state.OpenedAt)
	})

	t.Run("state survives a restart", func(t *testing.T) {
		for i := range 3 {
			_, _, err := b.RecordFailure(ctx, key, openedAt.Add(time.Hour+time.Duration(i)*time.Second))
			require.NoError(t, err)
		}
		restarted := NewBreakers(db.Storage, BreakerConfig{Threshold: 3, Window: time.Minute, Cooldown: 2 * time.Minute}, nil)
		admission, err := restarted.Admit(ctx, key, openedAt.Add(time.Hour+time.Minute))
		require.NoError(t, err)
		assert.False(t, admission.Admitted)
	})

	t.Run("unkeyed work is always admitted", func(t *testing.T) {
		admission, err := b.Admit(ctx, "", now)
		require.NoError(t, err)
		assert.True(t, admission.Admitted)
	})
}
