package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
	"github.com/Veraticus/spendlot/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandler is a Handler with overridable hooks and call tracking.
type fakeHandler struct {
	RunFn    func(ctx context.Context, unit *model.WorkUnit) (Outcome, error)
	CommitFn func(ctx context.Context, unit *model.WorkUnit, outcome Outcome) error

	abandoned map[string]string
	runs      int
	commits   int
	mu        sync.Mutex
}

var _ Handler = (*fakeHandler)(nil)

func (h *fakeHandler) Run(ctx context.Context, unit *model.WorkUnit) (Outcome, error) {
	h.mu.Lock()
	h.runs++
	h.mu.Unlock()
	if h.RunFn != nil {
		return h.RunFn(ctx, unit)
	}
	return "ok", nil
}

func (h *fakeHandler) Commit(ctx context.Context, unit *model.WorkUnit, outcome Outcome) error {
	h.mu.Lock()
	h.commits++
	h.mu.Unlock()
	if h.CommitFn != nil {
		return h.CommitFn(ctx, unit, outcome)
	}
	return nil
}

func (h *fakeHandler) Abandon(_ context.Context, unit *model.WorkUnit, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.abandoned == nil {
		h.abandoned = make(map[string]string)
	}
	h.abandoned[unit.ID] = reason
	return nil
}

func (h *fakeHandler) Runs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

func (h *fakeHandler) Reason(id string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	reason, ok := h.abandoned[id]
	return reason, ok
}

type harness struct {
	db      *testutil.TestDB
	orch    *Orchestrator
	handler *fakeHandler
	reg     *prometheus.Registry
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	db := testutil.SetupTestDB(t)

	cfg := DefaultConfig()
	cfg.Backoff.Rand = func() float64 { return 0.5 }
	for _, m := range mutate {
		m(&cfg)
	}

	reg := prometheus.NewRegistry()
	orch := New(db.Storage, db.Storage, cfg, WithClock(db.Clock.Now), WithMetrics(NewMetrics(reg)))
	h := &fakeHandler{}
	orch.Register(model.WorkOCR, h)
	orch.Register(model.WorkSMSParse, h)
	return &harness{db: db, orch: orch, handler: h, reg: reg}
}

func (h *harness) enqueue(t *testing.T, kind model.WorkKind, userID string) *model.WorkUnit {
	t.Helper()
	u := &model.WorkUnit{Kind: kind, UserID: userID, PayloadRef: "ev-" + userID}
	require.NoError(t, h.db.Storage.EnqueueWork(context.Background(), u))
	return u
}

func (h *harness) unit(t *testing.T, id string) *model.WorkUnit {
	t.Helper()
	u, err := h.db.Storage.GetWorkUnit(context.Background(), id)
	require.NoError(t, err)
	return u
}

func TestProcessDue_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		runErr    error
		commitErr error
		state     model.WorkState
		attempts  int
		failures  int
		abandoned bool
	}{
		{name: "success", state: model.WorkSucceeded},
		{
			name:      "unreadable payload dies without touching the breaker",
			runErr:    common.NewParseError("no amount", common.ErrNoAmount),
			state:     model.WorkDead,
			abandoned: true,
		},
		{
			name:     "provider failure retries and counts",
			runErr:   common.NewProviderError("vision", common.ErrProviderUnavailable),
			state:    model.WorkFailed,
			attempts: 1,
			failures: 1,
		},
		{
			name:     "unclassified failure retries without counting",
			runErr:   errors.New("connection reset"),
			state:    model.WorkFailed,
			attempts: 1,
		},
		{
			name:      "conflict requeues without spending an attempt",
			commitErr: common.NewConflictError("evidence", "ev-1"),
			state:     model.WorkQueued,
		},
		{
			name:      "configuration error dies",
			runErr:    common.NewConfigurationError("vision credentials", common.ErrMissingConfig),
			state:     model.WorkDead,
			abandoned: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.handler.RunFn = func(context.Context, *model.WorkUnit) (Outcome, error) { return "text", tt.runErr }
			h.handler.CommitFn = func(context.Context, *model.WorkUnit, Outcome) error { return tt.commitErr }

			u := h.enqueue(t, model.WorkOCR, "user-1")
			n, err := h.orch.ProcessDue(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got := h.unit(t, u.ID)
			assert.Equal(t, tt.state, got.State)
			assert.Equal(t, tt.attempts, got.AttemptCount)

			state, err := h.orch.Breakers().State(ctx, model.BreakerOCRVision)
			require.NoError(t, err)
			assert.Equal(t, tt.failures, state.FailureCount)
			assert.Equal(t, model.BreakerClosed, state.State)

			reason, ok := h.handler.Reason(u.ID)
			assert.Equal(t, tt.abandoned, ok)
			if tt.abandoned {
				assert.NotEmpty(t, reason)
				assert.Equal(t, reason, got.LastError)
			}
		})
	}
}

func TestProcessDue_RetryBackoffAndExhaustion(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxAttempts = 2 })
	ctx := context.Background()
	h.handler.RunFn = func(context.Context, *model.WorkUnit) (Outcome, error) {
		return nil, common.NewProviderError("vision", common.ErrRateLimit)
	}

	u := h.enqueue(t, model.WorkOCR, "user-1")

	_, err := h.orch.ProcessDue(ctx)
	require.NoError(t, err)
	got := h.unit(t, u.ID)
	require.Equal(t, model.WorkFailed, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.WithinDuration(t, got.UpdatedAt.Add(30*time.Second), got.NextAttemptAt, 5*time.Second)

	// Not due yet.
	n, err := h.orch.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for range 2 {
		h.db.Clock.Advance(2 * time.Hour)
		_, err = h.orch.ProcessDue(ctx)
		require.NoError(t, err)
	}

	got = h.unit(t, u.ID)
	assert.Equal(t, model.WorkDead, got.State)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Equal(t, 3, h.handler.Runs())
	_, abandoned := h.handler.Reason(u.ID)
	assert.True(t, abandoned)
}

func TestProcessDue_BreakerOpensAndDefersQueuedWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.handler.RunFn = func(context.Context, *model.WorkUnit) (Outcome, error) {
		return nil, common.NewProviderError("vision", common.ErrProviderUnavailable)
	}

	var units []*model.WorkUnit
	for i := range 6 {
		units = append(units, h.enqueue(t, model.WorkOCR, fmt.Sprintf("user-%d", i)))
	}

	n, err := h.orch.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	state, err := h.orch.Breakers().State(ctx, model.BreakerOCRVision)
	require.NoError(t, err)
	require.Equal(t, model.BreakerOpen, state.State)
	require.NotNil(t, state.OpenedAt)
	until := state.OpenedAt.Add(2 * time.Minute)

	sixth := h.unit(t, units[5].ID)
	assert.Equal(t, model.WorkQueued, sixth.State)
	assert.Zero(t, sixth.AttemptCount)
	assert.True(t, !sixth.NextAttemptAt.Before(until), "deferred to the end of the cooldown")
	for _, u := range units[:5] {
		got := h.unit(t, u.ID)
		assert.Equal(t, 1, got.AttemptCount)
		assert.True(t, !got.NextAttemptAt.Before(until))
	}
	assert.Equal(t, 5.0, promtest.ToFloat64(h.orch.metrics.units.WithLabelValues("ocr", "retried")))

	t.Run("failed trial reopens", func(t *testing.T) {
		h.db.Clock.Set(until.Add(time.Second))
		n, err := h.orch.ProcessDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		state, err := h.orch.Breakers().State(ctx, model.BreakerOCRVision)
		require.NoError(t, err)
		assert.Equal(t, model.BreakerOpen, state.State)
		assert.True(t, state.OpenedAt.After(until))
	})

	t.Run("successful trial closes", func(t *testing.T) {
		state, err := h.orch.Breakers().State(ctx, model.BreakerOCRVision)
		require.NoError(t, err)
		h.db.Clock.Set(state.OpenedAt.Add(3 * time.Minute))
		h.handler.RunFn = nil

		n, err := h.orch.ProcessDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6, n)

		state, err = h.orch.Breakers().State(ctx, model.BreakerOCRVision)
		require.NoError(t, err)
		assert.Equal(t, model.BreakerClosed, state.State)
		assert.Zero(t, state.FailureCount)
	})
}

func TestDispatch_OneRunningUnitPerPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.enqueue(t, model.WorkOCR, "user-1")
	second := &model.WorkUnit{Kind: model.WorkOCR, UserID: "user-1", PayloadRef: "ev-other"}
	require.NoError(t, h.db.Storage.EnqueueWork(ctx, second))
	sms := h.enqueue(t, model.WorkSMSParse, "user-1")

	var claimed []claim
	n, err := h.orch.dispatch(ctx, func(c claim) bool {
		claimed = append(claimed, c)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Equal(t, first.ID, claimed[0].unit.ID)
	assert.Equal(t, sms.ID, claimed[1].unit.ID, "a different source of the same user runs in parallel")
	assert.Equal(t, model.WorkQueued, h.unit(t, second.ID).State)

	h.orch.execute(ctx, claimed[0])
	h.orch.execute(ctx, claimed[1])
	n, err = h.orch.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.WorkSucceeded, h.unit(t, second.ID).State)
}

func TestCancel(t *testing.T) {
	t.Run("queued unit dies at once", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		u := h.enqueue(t, model.WorkOCR, "user-1")

		previous, err := h.orch.Cancel(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, model.WorkQueued, previous)
		assert.Equal(t, model.WorkDead, h.unit(t, u.ID).State)

		reason, ok := h.handler.Reason(u.ID)
		assert.True(t, ok)
		assert.Equal(t, ReasonCancelled, reason)

		n, err := h.orch.ProcessDue(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = h.orch.Cancel(ctx, u.ID)
		assert.ErrorIs(t, err, common.ErrWorkFinished)
	})

	t.Run("running unit discards its result", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		u := h.enqueue(t, model.WorkOCR, "user-1")
		h.handler.RunFn = func(ctx context.Context, unit *model.WorkUnit) (Outcome, error) {
			previous, err := h.orch.Cancel(ctx, unit.ID)
			require.NoError(t, err)
			assert.Equal(t, model.WorkRunning, previous)
			return "text", nil
		}

		_, err := h.orch.ProcessDue(ctx)
		require.NoError(t, err)

		got := h.unit(t, u.ID)
		assert.Equal(t, model.WorkDead, got.State)
		assert.Equal(t, ReasonCancelled, got.LastError)
		assert.Zero(t, h.handler.commits)
		reason, _ := h.handler.Reason(u.ID)
		assert.Equal(t, ReasonCancelled, reason)
	})

	t.Run("running unit that fails still ends dead", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		u := h.enqueue(t, model.WorkOCR, "user-1")
		h.handler.RunFn = func(ctx context.Context, unit *model.WorkUnit) (Outcome, error) {
			_, err := h.orch.Cancel(ctx, unit.ID)
			require.NoError(t, err)
			return nil, common.NewProviderError("vision", common.ErrProviderUnavailable)
		}

		_, err := h.orch.ProcessDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.WorkDead, h.unit(t, u.ID).State)
	})
}

func TestShutdownRequeuesWithoutSpendingAnAttempt(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	u := h.enqueue(t, model.WorkOCR, "user-1")
	h.handler.RunFn = func(ctx context.Context, _ *model.WorkUnit) (Outcome, error) {
		cancel()
		return nil, ctx.Err()
	}

	_, _ = h.orch.ProcessDue(ctx)

	got := h.unit(t, u.ID)
	assert.Equal(t, model.WorkQueued, got.State)
	assert.Zero(t, got.AttemptCount)
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	live := h.enqueue(t, model.WorkOCR, "user-1")
	cancelled := h.enqueue(t, model.WorkOCR, "user-2")
	for _, u := range []*model.WorkUnit{live, cancelled} {
		require.NoError(t, h.db.Storage.ClaimWork(ctx, u.ID, h.db.Clock.Now()))
	}
	_, err := h.db.Storage.CancelWork(ctx, cancelled.ID, h.db.Clock.Now())
	require.NoError(t, err)

	n, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.unit(t, live.ID)
	assert.Equal(t, model.WorkQueued, got.State)
	assert.Zero(t, got.AttemptCount)
	assert.Equal(t, model.WorkDead, h.unit(t, cancelled.ID).State)
	reason, ok := h.handler.Reason(cancelled.ID)
	assert.True(t, ok)
	assert.Equal(t, ReasonCancelled, reason)
}

func TestMissingHandlerIsAConfigurationError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	u := &model.WorkUnit{Kind: model.WorkMailPoll, UserID: "user-1", PayloadRef: "acct-1"}
	require.NoError(t, h.db.Storage.EnqueueWork(ctx, u))

	_, err := h.orch.ProcessDue(ctx)
	require.NoError(t, err)
	got := h.unit(t, u.ID)
	assert.Equal(t, model.WorkDead, got.State)
	assert.Contains(t, got.LastError, "no handler")
}

func TestRun_WorkerPool(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Workers = 3
		c.PollInterval = 10 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var units []*model.WorkUnit
	for i := range 5 {
		units = append(units, h.enqueue(t, model.WorkOCR, fmt.Sprintf("user-%d", i)))
	}

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		list, err := h.db.Storage.ListWork(context.Background(), service.WorkFilter{State: model.WorkSucceeded})
		return err == nil && len(list) == len(units)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.Equal(t, 5, h.handler.Runs())
}
