package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool, the polling scheduler and the HTTP endpoint",
		Long: `Run the orchestrator until interrupted.

Units left running by a previous process are recovered first. Linked
mailboxes and bank feeds are polled on their configured intervals, and
pending receipts without a live unit are swept back into the queue.

The HTTP endpoint serves prometheus metrics at /metrics and accepts Plaid
webhooks at /webhooks/plaid.`,
		RunE: runServe,
	}
	cmd.Flags().Bool("no-metrics", false, "Do not serve prometheus metrics")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	noMetrics, _ := cmd.Flags().GetBool("no-metrics")
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.orch.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })

	if !noMetrics && a.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
		mux.Handle("POST /webhooks/plaid", a.intake.PlaidWebhookHandler())
		server := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			slog.Info("serving metrics and webhooks", "addr", a.cfg.Metrics.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("shut down")
	return nil
}
