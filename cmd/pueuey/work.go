package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cecton/pueuey/internal/api"
	"github.com/cecton/pueuey/internal/config"
	"github.com/cecton/pueuey/internal/metrics"
	"github.com/cecton/pueuey/internal/store"
	"github.com/cecton/pueuey/internal/worker"
)

// workOneCommand is the hidden subcommand a forking worker re-executes itself
// with.
const workOneCommand = "work-one"

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		QueueNames:   cfg.QueueNames(),
		TopBound:     cfg.TopBound,
		WaitInterval: cfg.WaitInterval(),
		ForkWorker:   cfg.Fork,
		Notify:       cfg.Listening,
	}
}

// ── work ──────────────────────────────────────────────────────────────────────

func workCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Work jobs until interrupted",
		RunE:  runWork,
	}
}

func runWork(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	s, err := newSession(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer disconnect(s)

	m := metrics.New(prometheus.DefaultRegisterer)
	w := worker.New(s, builtinHandlers(), workerConfig(cfg),
		worker.WithMetrics(m),
		worker.WithSpawner(&worker.ExecSpawner{Args: []string{workOneCommand}}),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// A stopped worker takes the metrics server down with it.
		defer cancel()
		return w.Start(gctx)
	})

	if cfg.MetricsAddr != "" {
		srv := api.NewServer(prometheus.DefaultGatherer,
			api.WithProbe(func(ctx context.Context) error { return probe(ctx, cfg) }),
			api.WithWorkerState(func() string { return w.State().String() }),
		)
		g.Go(func() error {
			slog.Info("metrics server started", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(gctx, cfg.MetricsAddr); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// probe opens and closes a throwaway session; the worker's own session is
// not safe to share with the HTTP goroutine.
func probe(ctx context.Context, cfg *config.Config) error {
	s, err := store.Connect(ctx, store.SessionConfig{URL: cfg.ConnString(), AppName: cfg.AppName + "_probe"})
	if err != nil {
		return err
	}
	return s.Disconnect(ctx)
}

// ── work-one ──────────────────────────────────────────────────────────────────

func workOneCmd() *cobra.Command {
	return &cobra.Command{
		Use:    workOneCommand,
		Short:  "Claim and process a single job (spawned by a forking worker)",
		Hidden: true,
		RunE:   runWorkOne,
	}
}

func runWorkOne(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	w := worker.New(nil, builtinHandlers(), workerConfig(cfg),
		worker.WithConnector(func(ctx context.Context) (*store.Session, error) {
			return newSession(ctx, cfg)
		}),
	)
	return w.RunChild(cmd.Context())
}
