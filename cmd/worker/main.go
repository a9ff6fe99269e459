// Package main is the entry point for the stockcore outbox worker.
// It relays pending outbox events to the message bus and prunes
// published rows.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"stockcore/internal/domain/outbox"
	"stockcore/internal/infrastructure/bus"
	"stockcore/internal/infrastructure/storage/postgres"
	"stockcore/pkg/config"
	"stockcore/pkg/logger"
)

const publishedRetention = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: !cfg.IsProduction(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithLogger(ctx, log)

	log.Info("starting stockcore outbox worker")

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:               cfg.Database.DSN,
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	})
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	publisher := bus.NewKafkaPublisher(cfg.Kafka.Brokers)
	defer publisher.Close()

	worker := outbox.NewWorker(
		postgres.NewOutboxStore(pool.Unwrap()),
		publisher,
		outbox.WorkerConfig{
			PollInterval:  cfg.Outbox.PollInterval,
			BatchSize:     cfg.Outbox.BatchSize,
			MaxRetries:    cfg.Outbox.MaxRetries,
			SubjectPrefix: cfg.Outbox.SubjectPrefix,
		},
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runRetention(ctx, pool.Unwrap(), log)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

// runRetention periodically deletes published outbox rows past the
// retention window. Failed rows are kept for inspection.
func runRetention(ctx context.Context, pool *pgxpool.Pool, log *logger.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := pool.Exec(ctx, `
				DELETE FROM outbox_events
				WHERE status = 'published' AND published_at < NOW() - $1 * INTERVAL '1 second'
			`, publishedRetention.Seconds())
			if err != nil {
				log.Errorw("outbox retention sweep failed", "error", err)
				continue
			}
			if result.RowsAffected() > 0 {
				log.Infow("pruned published outbox events", "count", result.RowsAffected())
			}
		}
	}
}
