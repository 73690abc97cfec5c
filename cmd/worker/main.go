package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"attendance-engine/internal/applog"
	"attendance-engine/internal/attendance"
	"attendance-engine/internal/config"
	"attendance-engine/internal/metrics"
	"attendance-engine/internal/queue"
	"attendance-engine/internal/store"
)

// Worker consumes archive and audit messages and writes them to Postgres.
func main() {
	config.LoadDotEnv()
	cfg := config.Load()
	logger := applog.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App, logger *slog.Logger) error {
	if cfg.QueueBackend == "memory" {
		logger.Warn("QUEUE_BACKEND=memory: the api persists archives in-process, nothing to consume")
		return nil
	}

	db, err := store.Open(ctx, cfg.ArchiveDriver, cfg.ArchiveDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("archive db connected", "driver", db.Driver)

	repo := attendance.Open(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return err
	}

	rdb := store.NewRedis(cfg.RedisAddr)
	defer rdb.Close()
	if !rdb.Healthy(ctx) {
		logger.Warn("redis not reachable yet, consumer will keep retrying", "addr", cfg.RedisAddr)
	}

	svc := attendance.NewService(queue.NewRedisQueue(rdb.Client, queue.KeyArchive), repo, logger, metrics.New(prometheus.NewRegistry()))
	return svc.Run(ctx)
}
