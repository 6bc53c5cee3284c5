package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"vidgate/internal/observability/metrics"
	"vidgate/internal/queue"
	"vidgate/internal/storage"
)

const (
	defaultDispatchInterval = time.Second
	defaultDispatchBatch    = 32
)

// Dispatcher drains the transactional job outbox into the transcode queue.
// Rows are marked dispatched only after the broker accepts the job, so a
// crash between the two re-delivers rather than drops.
type Dispatcher struct {
	store    storage.Store
	producer queue.Producer
	logger   *slog.Logger
	metrics  *metrics.Recorder
	interval time.Duration
	batch    int
}

// DispatcherConfig wires the outbox dispatcher.
type DispatcherConfig struct {
	Store    storage.Store
	Producer queue.Producer
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Interval time.Duration
	Batch    int
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Producer == nil {
		return nil, fmt.Errorf("outbox dispatcher requires a store and a producer")
	}
	d := &Dispatcher{
		store:    cfg.Store,
		producer: cfg.Producer,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		interval: cfg.Interval,
		batch:    cfg.Batch,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.metrics == nil {
		d.metrics = metrics.Default()
	}
	if d.interval <= 0 {
		d.interval = defaultDispatchInterval
	}
	if d.batch <= 0 {
		d.batch = defaultDispatchBatch
	}
	return d, nil
}

// Run polls the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("outbox dispatch pass failed", "error", err)
			}
		}
	}
}

// DispatchOnce hands one batch of pending outbox rows to the queue and
// reports how many were dispatched.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	jobs, err := d.store.PendingOutbox(ctx, d.batch)
	if err != nil {
		return 0, fmt.Errorf("load pending outbox: %w", err)
	}
	dispatched := 0
	for _, pending := range jobs {
		var job queue.Job
		if err := json.Unmarshal(pending.Payload, &job); err != nil {
			// A payload that cannot decode will never dispatch; park it
			// as dispatched so the poller does not spin on it.
			d.logger.Error("discarding undecodable outbox payload", "outbox_id", pending.ID, "video_id", pending.VideoID, "error", err)
			if markErr := d.store.MarkOutboxDispatched(ctx, pending.ID); markErr != nil {
				return dispatched, markErr
			}
			continue
		}
		if err := d.producer.Enqueue(ctx, job); err != nil {
			return dispatched, fmt.Errorf("enqueue video %s: %w", pending.VideoID, err)
		}
		if err := d.store.MarkOutboxDispatched(ctx, pending.ID); err != nil {
			return dispatched, fmt.Errorf("mark outbox %d dispatched: %w", pending.ID, err)
		}
		d.metrics.ObserveQueueEvent("dispatched")
		dispatched++
	}
	return dispatched, nil
}
