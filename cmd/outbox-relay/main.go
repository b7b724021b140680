// Package main provides the outbox relay service entry point.
// Implements the Transactional Outbox pattern relay.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/config"
	"github.com/carebridge/rxmarket/internal/infrastructure/postgres"
	"github.com/carebridge/rxmarket/internal/infrastructure/redpanda"
	"github.com/carebridge/rxmarket/internal/observability/metrics"
)

const (
	housekeepingInterval = time.Minute
	processedRetention   = 24 * time.Hour
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("invalid database URL", zap.Error(err))
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MinConns = cfg.DBMinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	m := metrics.New()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to broker", zap.Strings("brokers", cfg.KafkaBrokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.PollInterval = cfg.OutboxPollInterval

	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)
	outbox.Start()
	logger.Info("outbox relay started")

	// Housekeeping: expired retries go to the dead letter topic, old
	// processed rows get pruned, and the backlog gauge stays fresh.
	go func() {
		ticker := time.NewTicker(housekeepingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				housekeep(ctx, outbox, m, logger)
			}
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	outbox.Stop()
	logger.Info("outbox relay stopped")
}

func housekeep(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if moved, err := outbox.MoveToDeadLetter(opCtx, redpanda.TopicDeadLetter); err != nil {
		logger.Error("dead letter sweep failed", zap.Error(err))
	} else if moved > 0 {
		logger.Warn("entries moved to dead letter", zap.Int64("count", moved))
	}

	if removed, err := outbox.CleanupProcessed(opCtx, processedRetention); err != nil {
		logger.Error("cleanup failed", zap.Error(err))
	} else if removed > 0 {
		logger.Info("processed entries pruned", zap.Int64("count", removed))
	}

	stats, err := outbox.GetStats(opCtx)
	if err != nil {
		logger.Error("stats query failed", zap.Error(err))
		return
	}
	m.OutboxPending.Set(float64(stats.Pending))
}
