package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Veraticus/spendlot/internal/categorize"
	"github.com/Veraticus/spendlot/internal/config"
	"github.com/Veraticus/spendlot/internal/dedup"
	"github.com/Veraticus/spendlot/internal/gmail"
	"github.com/Veraticus/spendlot/internal/ingest"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/ofx"
	"github.com/Veraticus/spendlot/internal/orchestrator"
	"github.com/Veraticus/spendlot/internal/plaid"
	"github.com/Veraticus/spendlot/internal/service"
	"github.com/Veraticus/spendlot/internal/storage"
	"github.com/Veraticus/spendlot/internal/vision"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
)

// app is everything a command needs, wired from configuration.
type app struct {
	store     *storage.SQLiteStorage
	registry  *prometheus.Registry
	orch      *orchestrator.Orchestrator
	scheduler *orchestrator.Scheduler
	intake    *ingest.Intake
	plaid     *plaid.Client
	cfg       config.Config
}

// openStore loads configuration and opens the migrated database.
func openStore(ctx context.Context) (*storage.SQLiteStorage, config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, cfg, err
	}

	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, cfg, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, cfg, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, cfg, nil
}

// openCategorizer opens the store with a categorization engine over it.
func openCategorizer(ctx context.Context) (*storage.SQLiteStorage, *categorize.Engine, error) {
	store, cfg, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return store, categorize.NewEngine(store, cfg.Categorize.DefaultCategory), nil
}

// newApp wires storage, engines, providers and the orchestrator.
// Providers without credentials are left out; their units fail with a
// configuration error.
func newApp(ctx context.Context) (*app, error) {
	store, cfg, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ingestMetrics := ingest.NewMetrics(reg)

	engine := dedup.NewEngine(store, dedup.Config{
		Window:              cfg.Dedup.Window,
		UnknownDateLookback: cfg.Dedup.UnknownDateLookback,
		Threshold:           cfg.Dedup.Threshold,
		TipTolerancePercent: cfg.Dedup.TipTolerancePercent,
	})
	categorizer := categorize.NewEngine(store, cfg.Categorize.DefaultCategory)
	pipeline := ingest.NewPipeline(store, nil, engine, categorizer, cfg.Normalize.DefaultCurrency, ingestMetrics)

	orch := orchestrator.New(store, store, orchestrator.Config{
		Workers:      cfg.Orchestrator.Workers,
		PollInterval: cfg.Orchestrator.PollInterval,
		MaxAttempts:  cfg.Orchestrator.MaxAttempts,
		RateLimits:   cfg.RateLimits,
		Backoff:      orchestrator.Backoff{Base: cfg.Orchestrator.BackoffBase, Max: cfg.Orchestrator.BackoffMax},
		Breaker: orchestrator.BreakerConfig{
			Threshold: cfg.Breaker.Threshold,
			Window:    cfg.Breaker.Window,
			Cooldown:  cfg.Breaker.Cooldown,
		},
	}, orchestrator.WithMetrics(orchestrator.NewMetrics(reg)))

	scheduler := orchestrator.NewScheduler(store, store, store, orchestrator.SchedulerConfig{
		MailInterval:  cfg.Scheduler.MailInterval,
		BankInterval:  cfg.Scheduler.BankInterval,
		SweepInterval: cfg.Scheduler.SweepInterval,
		SweepAge:      cfg.Scheduler.SweepAge,

		RecategorizeInterval: cfg.Scheduler.RecategorizeInterval,
	})
	scheduler.SetRecategorizer(categorizer)
	a := &app{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		orch:      orch,
		scheduler: scheduler,
		intake:    ingest.NewIntake(store, ingest.WithPoller(scheduler)),
	}

	ocr := a.visionClient(ctx)
	mailbox := a.gmailClient(ctx)
	feeds := map[string]service.BankFeed{model.ProviderOFX: ofx.NewFileFeed(ofx.NewParser())}
	if client := a.plaidClient(); client != nil {
		feeds[model.ProviderPlaid] = client
	}

	orch.Register(model.WorkOCR, ingest.NewOCRHandler(store, pipeline, ocr))
	orch.Register(model.WorkSMSParse, ingest.NewSMSHandler(store, pipeline))
	orch.Register(model.WorkMailPoll, ingest.NewMailHandler(store, pipeline, mailbox))
	orch.Register(model.WorkBankSync, ingest.NewBankHandler(store, pipeline, engine, categorizer, feeds, ingestMetrics))
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) visionClient(ctx context.Context) service.OCR {
	if a.cfg.Vision.APIKey == "" && a.cfg.Vision.CredentialsFile == "" {
		slog.Debug("no Cloud Vision credentials; image receipts wait until configured")
		return nil
	}
	client, err := vision.NewClient(ctx, vision.Config{
		APIKey:          a.cfg.Vision.APIKey,
		CredentialsFile: a.cfg.Vision.CredentialsFile,
	})
	if err != nil {
		slog.Warn("image receipts disabled", "error", err)
		return nil
	}
	return client
}

func (a *app) gmailClient(ctx context.Context) service.Mailbox {
	if a.cfg.Gmail.ClientID == "" {
		return nil
	}
	if _, err := os.Stat(a.cfg.Gmail.TokenFile); errors.Is(err, os.ErrNotExist) {
		slog.Info("gmail not linked; mailbox polling disabled", "token_file", a.cfg.Gmail.TokenFile)
		return nil
	}
	client, err := gmail.NewClient(ctx, a.gmailOAuth())
	if err != nil {
		slog.Warn("mailbox polling disabled", "error", err)
		return nil
	}
	return client
}

func (a *app) gmailOAuth() gmail.OAuth2Config {
	return gmail.OAuth2Config{
		ClientID:     a.cfg.Gmail.ClientID,
		ClientSecret: a.cfg.Gmail.ClientSecret,
		TokenFile:    a.cfg.Gmail.TokenFile,
	}
}

func (a *app) plaidClient() *plaid.Client {
	if a.plaid != nil {
		return a.plaid
	}
	if a.cfg.Plaid.ClientID == "" && a.cfg.Plaid.Secret == "" {
		return nil
	}
	client, err := plaid.NewClient(plaid.Config{
		ClientID:    a.cfg.Plaid.ClientID,
		Secret:      a.cfg.Plaid.Secret,
		Environment: a.cfg.Plaid.Environment,
	})
	if err != nil {
		slog.Warn("plaid sync disabled", "error", err)
		return nil
	}
	a.plaid = client
	return client
}

// drain processes due units until none remain, calling progress after
// each pass.
func (a *app) drain(ctx context.Context, progress func(n int)) (int, error) {
	total := 0
	for {
		n, err := a.orch.ProcessDue(ctx)
		total += n
		if progress != nil && n > 0 {
			progress(n)
		}
		if err != nil || n == 0 {
			return total, err
		}
	}
}
