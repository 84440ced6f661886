package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
)

// SchedulerConfig controls periodic work creation.
type SchedulerConfig struct {
	MailInterval  time.Duration
	BankInterval  time.Duration
	SweepInterval time.Duration
	SweepAge      time.Duration // Open evidence older than this with no live unit is re-enqueued

	RecategorizeInterval time.Duration
}

// StrandedEvidence lists open evidence no unit is working on.
type StrandedEvidence interface {
	ListStrandedEvidence(ctx context.Context, createdBefore time.Time, limit int) ([]model.Evidence, error)
}

// Recategorizer re-runs categorization over records left on the default
// category, returning how many moved.
type Recategorizer interface {
	RecategorizeStale(ctx context.Context) (int, error)
}

// Scheduler turns polling schedules into work units.
type Scheduler struct {
	accounts     service.AccountStore
	queue        service.WorkQueue
	evidence     StrandedEvidence
	recategorize Recategorizer
	logger       *slog.Logger
	now          func() time.Time
	cfg          SchedulerConfig
}

// NewScheduler creates a scheduler.
func NewScheduler(accounts service.AccountStore, queue service.WorkQueue, evidence StrandedEvidence, cfg SchedulerConfig) *Scheduler {
	if cfg.MailInterval <= 0 {
		cfg.MailInterval = 15 * time.Minute
	}
	if cfg.BankInterval <= 0 {
		cfg.BankInterval = 6 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.SweepAge <= 0 {
		cfg.SweepAge = 10 * time.Minute
	}
	if cfg.RecategorizeInterval <= 0 {
		cfg.RecategorizeInterval = 24 * time.Hour
	}
	return &Scheduler{
		accounts: accounts,
		queue:    queue,
		evidence: evidence,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default().With("component", "scheduler"),
	}
}

// SetClock replaces time.Now.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetRecategorizer enables the periodic recategorization pass.
func (s *Scheduler) SetRecategorizer(r Recategorizer) {
	s.recategorize = r
}

// Run enqueues polls and sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := min(s.cfg.MailInterval, s.cfg.BankInterval, time.Minute)
	polls := time.NewTicker(tick)
	defer polls.Stop()
	sweeps := time.NewTicker(s.cfg.SweepInterval)
	defer sweeps.Stop()

	var recategorizeC <-chan time.Time
	if s.recategorize != nil {
		recategorize := time.NewTicker(s.cfg.RecategorizeInterval)
		defer recategorize.Stop()
		recategorizeC = recategorize.C
	}

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduling polls failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-polls.C:
		case <-sweeps.C:
			if _, err := s.SweepPending(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweeping pending evidence failed", "error", err)
			}
		case <-recategorizeC:
			if _, err := s.Recategorize(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("recategorizing failed", "error", err)
			}
		}
	}
}

// Tick enqueues a poll for every active account whose interval has elapsed
// and that has no poll already waiting or running. It returns the number
// of units enqueued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	enqueued := 0
	for kind, interval := range map[model.SourceKind]time.Duration{
		model.SourceMail: s.cfg.MailInterval,
		model.SourceBank: s.cfg.BankInterval,
	} {
		accounts, err := s.accounts.ListSourceAccounts(ctx, kind, true)
		if err != nil {
			return enqueued, fmt.Errorf("failed to list %s accounts: %w", kind, err)
		}
		for i := range accounts {
			account := &accounts[i]
			if account.LastPolledAt != nil && now.Sub(*account.LastPolledAt) < interval {
				continue
			}
			ok, err := s.EnqueuePoll(ctx, account)
			if err != nil {
				return enqueued, err
			}
			if ok {
				enqueued++
			}
		}
	}
	return enqueued, nil
}

// EnqueuePoll enqueues a poll of account unless one is already live.
func (s *Scheduler) EnqueuePoll(ctx context.Context, account *model.SourceAccount) (bool, error) {
	kind := model.WorkMailPoll
	if account.Kind == model.SourceBank {
		kind = model.WorkBankSync
	}

	live, err := s.queue.HasLiveWork(ctx, kind, account.ID)
	if err != nil {
		return false, err
	}
	if live {
		return false, nil
	}

	unit := &model.WorkUnit{
		Kind:       kind,
		UserID:     account.UserID,
		PayloadRef: account.ID,
		Cursor:     account.Cursor,
		BreakerKey: account.BreakerKey(),
	}
	if err := s.queue.EnqueueWork(ctx, unit); err != nil {
		return false, fmt.Errorf("failed to enqueue poll of account %s: %w", account.ID, err)
	}
	s.logger.Debug("poll enqueued", "unit_id", unit.ID, "kind", kind, "account_id", account.ID, "user_id", account.UserID)
	return true, nil
}

// SweepPending re-enqueues processing for evidence left pending or
// processing with no live unit, such as evidence whose unit was lost before
// it was written.
func (s *Scheduler) SweepPending(ctx context.Context) (int, error) {
	stranded, err := s.evidence.ListStrandedEvidence(ctx, s.now().Add(-s.cfg.SweepAge), 0)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, e := range stranded {
		kind := model.WorkOCR
		if e.SourceKind == model.SourceSMS {
			kind = model.WorkSMSParse
		}
		unit := &model.WorkUnit{Kind: kind, UserID: e.UserID, PayloadRef: e.ID}
		if err := s.queue.EnqueueWork(ctx, unit); err != nil {
			return enqueued, fmt.Errorf("failed to re-enqueue evidence %s: %w", e.ID, err)
		}
		enqueued++
	}
	if enqueued > 0 {
		s.logger.Info("re-enqueued stranded evidence", "units", enqueued)
	}
	return enqueued, nil
}

// Recategorize runs one recategorization pass. It is a no-op without a
// recategorizer.
func (s *Scheduler) Recategorize(ctx context.Context) (int, error) {
	if s.recategorize == nil {
		return 0, nil
	}
	changed, err := s.recategorize.RecategorizeStale(ctx)
	if err != nil {
		return changed, fmt.Errorf("failed to recategorize: %w", err)
	}
	if changed > 0 {
		s.logger.Info("recategorized records", "changed", changed)
	}
	return changed, nil
}
