// Package main はリーパーデーモンのエントリーポイントです。
// cron式のスケジュールで定期的にスイープを実行します。外部スケジューラーから
// 起動する場合は -once で1回だけ実行して終了します。
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/yourusername/slimsplit/internal/config"
	"github.com/yourusername/slimsplit/internal/jobs"
	"github.com/yourusername/slimsplit/internal/reaper"
	"github.com/yourusername/slimsplit/internal/storage"
)

func main() {
	once := flag.Bool("once", false, "1回だけスイープして終了する")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	store := jobs.NewStore(pool, cfg.ErrorTextMax)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	gateway, err := storage.NewGateway(storage.Config{
		Endpoint:     cfg.MinioEndpoint,
		AccessKey:    cfg.MinioAccessKey,
		SecretKey:    cfg.MinioSecretKey,
		UseSSL:       cfg.MinioUseSSL,
		Region:       cfg.MinioRegion,
		InputBucket:  cfg.InputBucket,
		OutputBucket: cfg.OutputBucket,
	})
	if err != nil {
		log.Fatalf("Failed to create object store gateway: %v", err)
	}

	r := reaper.New(store, gateway, logger)
	sweep := func() {
		summary, err := r.Sweep(ctx, time.Now().UTC(), cfg.ReaperBatchLimit)
		if err != nil {
			logger.Error("sweep failed", "error", err)
			return
		}
		logger.Info("sweep completed",
			"cleaned", summary.Cleaned,
			"skipped_active", summary.SkippedActive,
			"locked_by_others", summary.LockedByOthers,
			"errors", summary.Errors)
	}

	if *once {
		sweep()
		return
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.ReaperCron, sweep); err != nil {
		log.Fatalf("Failed to schedule sweep (%q): %v", cfg.ReaperCron, err)
	}
	logger.Info("reaper started", "schedule", cfg.ReaperCron)
	scheduler.Start()

	<-ctx.Done()
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("reaper stopped")
}
