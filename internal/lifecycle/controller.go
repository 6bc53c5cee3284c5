// Package lifecycle owns the video state machine outside the upload path:
// soft deletes, expiry, the outbox dispatcher, the status reconciler, and the
// abandoned-upload collector.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vidgate/internal/models"
	"vidgate/internal/objectstore"
	"vidgate/internal/observability/metrics"
	"vidgate/internal/storage"
)

const objectPurgeTimeout = 30 * time.Second

// Controller applies lifecycle transitions that do not belong to the upload
// session manager. All advances go through the store's CAS so concurrent
// callers and late worker callbacks degrade to no-ops.
type Controller struct {
	store   storage.Store
	objects objectstore.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// ControllerConfig wires the controller's collaborators.
type ControllerConfig struct {
	Store   storage.Store
	Objects objectstore.Client
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// NewController constructs a Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lifecycle controller requires a store")
	}
	c := &Controller{
		store:   cfg.Store,
		objects: cfg.Objects,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = metrics.Default()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c, nil
}

// Delete soft-deletes a video from any live state and kicks off best-effort
// object cleanup. Deleting an already-deleted video succeeds without side
// effects.
func (c *Controller) Delete(ctx context.Context, videoID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		video, err := c.store.GetVideo(ctx, videoID)
		if err != nil {
			return err
		}
		if video.Status == models.VideoStatusDeleted {
			return nil
		}
		deletedAt := c.now()
		_, err = c.store.TransitionVideo(ctx, videoID, video.Status, models.VideoStatusDeleted, storage.VideoUpdate{DeletedAt: &deletedAt})
		if err == nil {
			c.metrics.ObserveTransition(string(video.Status), string(models.VideoStatusDeleted))
			c.purgeObjectsAsync(video)
			return nil
		}
		if !storage.IsStatusConflict(err) {
			return err
		}
		// Lost the race; reread and try from the new status.
	}
	return fmt.Errorf("delete video %s: too many concurrent transitions", videoID)
}

// purgeObjectsAsync removes the source object and worker outputs in the
// background. Failures are logged only; the row is already soft deleted.
func (c *Controller) purgeObjectsAsync(video models.Video) {
	if c.objects == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), objectPurgeTimeout)
		defer cancel()
		keys := []string{objectstore.ManifestKey(video.ID)}
		if video.UploadSessionID != "" {
			if session, err := c.store.GetSession(ctx, video.UploadSessionID); err == nil {
				keys = append(keys, session.ObjectKey)
			}
		}
		for _, key := range keys {
			if err := c.objects.Delete(ctx, key); err != nil {
				c.logger.Warn("purge object after delete", "video_id", video.ID, "key", key, "error", err)
			}
		}
	}()
}

// Expire fails a pending_upload video whose session lapsed. Videos that moved
// on are left alone.
func (c *Controller) Expire(ctx context.Context, videoID string) error {
	lastError := "upload expired"
	_, err := c.store.TransitionVideo(ctx, videoID, models.VideoStatusPendingUpload, models.VideoStatusFailed, storage.VideoUpdate{LastError: &lastError})
	if err != nil {
		if storage.IsStatusConflict(err) || errors.Is(err, storage.ErrVideoNotFound) {
			return nil
		}
		return err
	}
	c.metrics.ObserveTransition(string(models.VideoStatusPendingUpload), string(models.VideoStatusFailed))
	return nil
}
