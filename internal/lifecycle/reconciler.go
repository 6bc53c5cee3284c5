package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vidgate/internal/bus"
	"vidgate/internal/models"
	"vidgate/internal/objectstore"
	"vidgate/internal/observability/metrics"
	"vidgate/internal/storage"
)

// Reconciler applies terminal worker events from the status bus to video
// rows. The worker publishes; the control plane owns the row, so ready and
// failed land here under the processing CAS. Duplicate or late events find
// the row already advanced and no-op.
type Reconciler struct {
	store   storage.Store
	bus     bus.Bus
	objects objectstore.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// ReconcilerConfig wires the status reconciler.
type ReconcilerConfig struct {
	Store   storage.Store
	Bus     bus.Bus
	Objects objectstore.Client
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// NewReconciler constructs a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("reconciler requires a store and a bus")
	}
	r := &Reconciler{
		store:   cfg.Store,
		bus:     cfg.Bus,
		objects: cfg.Objects,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = metrics.Default()
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r, nil
}

// Run consumes status events until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	sub := r.bus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := r.Apply(ctx, event); err != nil && ctx.Err() == nil {
				r.logger.Error("reconcile status event", "video_id", event.VideoID, "status", event.Status, "error", err)
			}
		}
	}
}

// Apply folds one status event into the video row. Only terminal worker
// outcomes mutate state; processing announcements are the control plane's own
// publications and are ignored here.
func (r *Reconciler) Apply(ctx context.Context, event bus.StatusEvent) error {
	switch event.Status {
	case models.VideoStatusReady:
		return r.applyReady(ctx, event)
	case models.VideoStatusFailed:
		return r.applyFailed(ctx, event)
	default:
		return nil
	}
}

func (r *Reconciler) applyReady(ctx context.Context, event bus.StatusEvent) error {
	manifestKey := objectstore.ManifestKey(event.VideoID)
	manifestURL := manifestKey
	if r.objects != nil {
		// The manifest must exist before the row claims ready. A miss means
		// the worker raced its own upload; leave the row processing and let
		// redelivery retry.
		if _, err := r.objects.Head(ctx, manifestKey); err != nil {
			if objectstore.IsNotFound(err) {
				return fmt.Errorf("manifest for video %s not uploaded yet", event.VideoID)
			}
			return fmt.Errorf("head manifest: %w", err)
		}
		manifestURL = r.objects.SourceURL(manifestKey)
	}
	processedAt := event.OccurredAt
	if processedAt.IsZero() {
		processedAt = r.now()
	}
	update := storage.VideoUpdate{
		ManifestURL: &manifestURL,
		ProcessedAt: &processedAt,
	}
	if event.DurationS > 0 {
		duration := event.DurationS
		update.DurationS = &duration
	}
	if event.Attempt > 0 {
		attempts := event.Attempt
		update.ProcessingAttempts = &attempts
	}
	_, err := r.store.TransitionVideo(ctx, event.VideoID, models.VideoStatusProcessing, models.VideoStatusReady, update)
	return r.observe(models.VideoStatusReady, err)
}

func (r *Reconciler) applyFailed(ctx context.Context, event bus.StatusEvent) error {
	lastError := event.Error
	if lastError == "" {
		lastError = "transcode failed"
	}
	update := storage.VideoUpdate{LastError: &lastError}
	if event.Attempt > 0 {
		attempts := event.Attempt
		update.ProcessingAttempts = &attempts
	}
	_, err := r.store.TransitionVideo(ctx, event.VideoID, models.VideoStatusProcessing, models.VideoStatusFailed, update)
	return r.observe(models.VideoStatusFailed, err)
}

func (r *Reconciler) observe(to models.VideoStatus, err error) error {
	if err == nil {
		r.metrics.ObserveTransition(string(models.VideoStatusProcessing), string(to))
		return nil
	}
	var conflict *storage.StatusConflictError
	if errors.As(err, &conflict) {
		// Late or duplicate worker callback; the row already advanced.
		r.metrics.ObserveTransitionConflict(string(conflict.Expected), string(conflict.Current))
		return nil
	}
	if errors.Is(err, storage.ErrVideoNotFound) {
		return nil
	}
	return err
}
