package outbox

import (
	"context"
	"fmt"
	"time"

	"stockcore/pkg/logger"
)

// staleFactor: in_progress rows older than staleFactor × poll interval
// are considered abandoned by a crashed worker and re-claimed.
const staleFactor = 3

// WorkerConfig tunes the polling loop.
type WorkerConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxRetries    int
	SubjectPrefix string
}

// DefaultWorkerConfig returns production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:  5 * time.Second,
		BatchSize:     50,
		MaxRetries:    3,
		SubjectPrefix: "inventory",
	}
}

// Worker claims pending events and publishes them to the bus with
// bounded retry. Multiple worker instances may run concurrently; the
// store's atomic claim keeps each event in exactly one pass at a time.
type Worker struct {
	store Store
	bus   Bus
	cfg   WorkerConfig
}

// NewWorker creates an outbox worker.
func NewWorker(store Store, bus Bus, cfg WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	return &Worker{store: store, bus: bus, cfg: cfg}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	logger.Info(ctx, "outbox worker started",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
		"max_retries", w.cfg.MaxRetries,
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if n, err := w.ProcessBatch(ctx); err != nil {
			logger.Error(ctx, "outbox batch failed", "error", err)
		} else if n > 0 {
			logger.Debug(ctx, "outbox batch published", "count", n)
		}

		select {
		case <-ctx.Done():
			logger.Info(ctx, "outbox worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessBatch claims one batch and publishes each event. Returns the
// number of events published.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	events, err := w.store.Claim(ctx, w.cfg.BatchSize, staleFactor*w.cfg.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("claim outbox events: %w", err)
	}

	published := 0
	for i := range events {
		if err := w.publishOne(ctx, &events[i]); err != nil {
			// Failure is recorded per event; keep going.
			continue
		}
		published++
	}
	return published, nil
}

func (w *Worker) publishOne(ctx context.Context, ev *Event) error {
	subject := fmt.Sprintf("%s.%s.%s", w.cfg.SubjectPrefix, ev.TenantID, ev.EventType)

	if err := w.bus.Publish(ctx, subject, ev.Payload); err != nil {
		terminal := ev.RetryCount+1 >= w.cfg.MaxRetries
		if recErr := w.store.RecordFailure(ctx, ev.ID, terminal, err.Error()); recErr != nil {
			logger.Error(ctx, "record outbox failure",
				"event_id", ev.ID, "error", recErr, "publish_error", err)
			return err
		}
		if terminal {
			logger.Error(ctx, "outbox event parked as failed",
				"event_id", ev.ID, "event_type", ev.EventType,
				"retry_count", ev.RetryCount+1, "error", err)
		} else {
			logger.Warn(ctx, "outbox publish failed, will retry",
				"event_id", ev.ID, "event_type", ev.EventType,
				"retry_count", ev.RetryCount+1, "error", err)
		}
		return err
	}

	if err := w.store.MarkPublished(ctx, ev.ID); err != nil {
		// The event stays in_progress and is re-claimed later; the
		// consumer sees a duplicate, which at-least-once permits.
		logger.Error(ctx, "mark outbox published", "event_id", ev.ID, "error", err)
		return err
	}
	return nil
}
