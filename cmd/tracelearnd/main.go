package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tracelearn/tracelearn/pkg/collect"
	"github.com/tracelearn/tracelearn/pkg/config"
	"github.com/tracelearn/tracelearn/pkg/control"
	"github.com/tracelearn/tracelearn/pkg/event"
	"github.com/tracelearn/tracelearn/pkg/feature"
	"github.com/tracelearn/tracelearn/pkg/feedback"
	"github.com/tracelearn/tracelearn/pkg/infer"
	"github.com/tracelearn/tracelearn/pkg/ingest"
	"github.com/tracelearn/tracelearn/pkg/metrics"
	"github.com/tracelearn/tracelearn/pkg/model"
	"github.com/tracelearn/tracelearn/pkg/schedule"
	"github.com/tracelearn/tracelearn/pkg/store"
)

func main() {
	configPath := flag.String("config", "/etc/tracelearn/config.yaml", "Path to config file")
	flag.Parse()

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg := watcher.Current().Config

	st, err := store.Open(store.Config{
		Path:      cfg.Storage.Path,
		MaxEvents: cfg.Storage.MaxEvents,
	})
	if err != nil {
		slog.Error("failed to open event store", "path", cfg.Storage.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Config hot reload: privacy rules take effect on the next ingest
	// flush; structural changes need a restart.
	go func() {
		if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	// ── Ingestion ────────────────────────────────────────────────
	norm := event.NewNormalizer(event.NormalizerConfig{
		CollectWindowTitles: cfg.Privacy.CollectWindowTitles,
	}, nil)
	pipe := ingest.New(ingest.Config{
		BufferSize:    cfg.Ingest.BufferSize,
		BatchSize:     cfg.Ingest.BatchSize,
		FlushInterval: cfg.Ingest.FlushInterval,
	}, norm, watcher, st)
	defer pipe.Close()

	collectors, err := collect.BuildEnabled(cfg.Collectors, cfg.Privacy.ExcludePaths)
	if err != nil {
		slog.Error("failed to build collectors", "error", err)
		os.Exit(1)
	}
	go collect.RunAll(ctx, collectors, pipe)
	slog.Info("collectors started", "count", len(collectors))

	// ── Learning pipeline ────────────────────────────────────────
	fbLoop := feedback.NewLoop(st)
	featPipe := feature.NewPipeline(
		cfg.Features.Spec, st, fbLoop,
		func() int64 { return watcher.Rules().Version },
		nil,
	)
	mgr := model.NewManager(st)

	modelNames := make([]string, 0, len(cfg.Models))
	for _, mc := range cfg.Models {
		modelNames = append(modelNames, mc.Name)
	}
	svc := infer.NewService(modelNames, st, st)

	// ── Scheduler ────────────────────────────────────────────────
	sched := schedule.New()
	jobs := []schedule.Job{
		{
			Name:  "extract",
			Every: cfg.Schedule.ExtractEvery,
			Run: func(ctx context.Context) error {
				now := time.Now().UTC()
				_, err := featPipe.Extract(ctx, feature.Window{
					Start: now.Add(-cfg.Features.Window),
					End:   now,
				})
				return err
			},
		},
		{
			Name:  "train",
			Every: cfg.Schedule.TrainEvery,
			Run:   func(ctx context.Context) error { return trainAll(ctx, st, mgr, watcher.Current().Config) },
		},
		{
			Name:  "purge",
			Every: cfg.Schedule.PurgeEvery,
			Run:   func(ctx context.Context) error { return purgeAll(ctx, st, watcher.Current().Config.Retention) },
		},
	}
	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			slog.Error("failed to register job", "job", job.Name, "error", err)
			os.Exit(1)
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	// ── Metrics + health ─────────────────────────────────────────
	metrics.RegisterHealthCheck("store", func() error {
		st.EventCount()
		return nil
	})
	metricsStop := make(chan struct{})
	if cfg.Metrics.MetricsEnabled() {
		go func() {
			if err := metrics.MetricsServer(cfg.Metrics.Addr, metricsStop); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
		slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
	}
	defer close(metricsStop)

	// ── Control API ──────────────────────────────────────────────
	srv := control.NewServer(cfg.Control.Addr, st, svc, fbLoop, sched, mgr, watcher)
	slog.Info("daemon started", "store", cfg.Storage.Path, "models", len(cfg.Models))
	if err := srv.Run(ctx); err != nil {
		slog.Error("control server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("daemon stopped cleanly")
}

// trainAll runs a train-and-promote cycle for every configured model on
// the latest feature set. Insufficient data and threshold failures are
// expected outcomes, not job failures.
func trainAll(ctx context.Context, st *store.Store, mgr *model.Manager, cfg *config.Config) error {
	set, err := st.LatestFeatureSet(cfg.Features.Spec.Name)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("no feature set extracted yet, skipping training")
		return nil
	}
	if err != nil {
		return err
	}

	for _, mc := range cfg.Models {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := mgr.TrainAndPromote(ctx, model.TrainConfig{
			Name:       mc.Name,
			Algorithm:  mc.Algorithm,
			MinRows:    mc.MinRows,
			SplitRatio: mc.SplitRatio,
			Seed:       mc.Seed,
			Thresholds: mc.Thresholds,
		}, set)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrInsufficientData):
			slog.Info("not enough rows to train", "model", mc.Name, "rows", len(set.Vectors))
		case errors.Is(err, model.ErrBelowThreshold):
			slog.Info("candidate below promotion threshold", "model", mc.Name)
		default:
			return err
		}
	}
	return nil
}

// purgeAll applies the retention policy to every collection.
func purgeAll(ctx context.Context, st *store.Store, ret config.RetentionConfig) error {
	now := time.Now().UTC()
	if n, err := st.PurgeEvents(ctx, now.AddDate(0, 0, -ret.EventsDays)); err != nil {
		return err
	} else if n > 0 {
		slog.Info("purged events", "count", n)
	}
	if n, err := st.PurgeFeatureSets(ctx, now.AddDate(0, 0, -ret.FeaturesDays)); err != nil {
		return err
	} else if n > 0 {
		slog.Info("purged feature sets", "count", n)
	}
	if n, err := st.PurgeArtifacts(ctx, now.AddDate(0, 0, -ret.ModelsDays)); err != nil {
		return err
	} else if n > 0 {
		slog.Info("purged model artifacts", "count", n)
	}
	return nil
}
