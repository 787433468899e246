// Package main はステータス参照APIサーバーのエントリーポイントです。
// ジョブの作成・アップロード・ダウンロードは別レイヤーの責務で、このサーバーは
// 状態と進捗の参照だけを提供します。
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/slimsplit/internal/config"
	"github.com/yourusername/slimsplit/internal/jobs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	gin.SetMode(cfg.GinMode)

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	store := jobs.NewStore(pool, cfg.ErrorTextMax)

	var mirror progressReader
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse redis url: %v", err)
		}
		ttl := time.Duration(cfg.ProgressTTLMinutes) * time.Minute
		mirror = jobs.NewProgressMirror(redis.NewClient(opt), ttl)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowMethods:     []string{http.MethodGet},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", healthHandler(pool))
	router.GET("/api/jobs/:id", jobStatusHandler(store, mirror))

	logger.Info("api server started", "port", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Server stopped with error: %v", err)
	}
}
