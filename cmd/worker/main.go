// Package main はワーカーデーモンのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/slimsplit/internal/config"
	"github.com/yourusername/slimsplit/internal/jobs"
	"github.com/yourusername/slimsplit/internal/pdf"
	"github.com/yourusername/slimsplit/internal/storage"
	"github.com/yourusername/slimsplit/internal/worker"
)

func main() {
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
	if err := gateway.EnsureBuckets(ctx); err != nil {
		log.Fatalf("Failed to ensure buckets: %v", err)
	}

	var mirror worker.ProgressMirror
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse redis url: %v", err)
		}
		ttl := time.Duration(cfg.ProgressTTLMinutes) * time.Minute
		mirror = jobs.NewProgressMirror(redis.NewClient(opt), ttl)
	}

	stage := pdf.NewCompressionStage(pdf.NewGhostscriptCompressor(cfg.GhostscriptPath))
	splitter := pdf.NewSplitter(pdf.PdfcpuExtractor{})

	w := worker.New(store, gateway, mirror, stage, splitter, pdf.ZipArchiver{}, worker.Options{
		PollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		BatchLimit:   cfg.PollBatchLimit,
		ClaimLease:   time.Duration(cfg.ClaimLeaseMinutes) * time.Minute,
		WorkDir:      cfg.WorkDir,
		ErrorTextMax: cfg.ErrorTextMax,
	}, logger)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
