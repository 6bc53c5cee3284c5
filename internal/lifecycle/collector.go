package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vidgate/internal/models"
	"vidgate/internal/objectstore"
	"vidgate/internal/observability/metrics"
	"vidgate/internal/storage"
)

const (
	// DefaultCollectorCadence is how often the abandoned-upload sweep runs.
	DefaultCollectorCadence = 6 * time.Hour
	// DefaultAbandonedTTL is the age past which an incomplete multipart
	// upload is reclaimed.
	DefaultAbandonedTTL = 24 * time.Hour

	collectorSessionBatch = 100
)

// Collector reclaims abandoned uploads: provider-side incomplete multipart
// uploads past the TTL are aborted, their session rows expired, and their
// videos failed if still waiting on the upload. Every step tolerates a
// concurrent client completion and re-running over the same state.
type Collector struct {
	store      storage.Store
	objects    objectstore.Client
	controller *Controller
	logger     *slog.Logger
	metrics    *metrics.Recorder
	cadence    time.Duration
	ttl        time.Duration
	now        func() time.Time
}

// CollectorConfig wires the abandoned-upload collector.
type CollectorConfig struct {
	Store      storage.Store
	Objects    objectstore.Client
	Controller *Controller
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Cadence    time.Duration
	TTL        time.Duration
	Now        func() time.Time
}

// NewCollector constructs a Collector.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if cfg.Store == nil || cfg.Objects == nil || cfg.Controller == nil {
		return nil, fmt.Errorf("collector requires a store, an object store client, and a controller")
	}
	c := &Collector{
		store:      cfg.Store,
		objects:    cfg.Objects,
		controller: cfg.Controller,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		cadence:    cfg.Cadence,
		ttl:        cfg.TTL,
		now:        cfg.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = metrics.Default()
	}
	if c.cadence <= 0 {
		c.cadence = DefaultCollectorCadence
	}
	if c.ttl <= 0 {
		c.ttl = DefaultAbandonedTTL
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c, nil
}

// Run sweeps on the configured cadence until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := c.CollectOnce(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Error("abandoned upload sweep failed", "error", err)
			}
			c.metrics.CollectorRan(reclaimed)
		}
	}
}

// CollectOnce performs one sweep and reports how many uploads it reclaimed.
func (c *Collector) CollectOnce(ctx context.Context) (int, error) {
	now := c.now()
	cutoff := now.Add(-c.ttl)
	reclaimed := 0

	uploads, err := c.objects.ListIncompleteMultipart(ctx, objectstore.SourcePrefix)
	if err != nil {
		return 0, fmt.Errorf("list incomplete uploads: %w", err)
	}
	for _, upload := range uploads {
		if !upload.InitiatedAt.Before(cutoff) {
			continue
		}
		if err := c.objects.AbortMultipart(ctx, upload.Key, upload.UploadID); err != nil {
			// A completion may have won the race and consumed the upload;
			// skip and let the next sweep confirm.
			c.logger.Warn("abort abandoned upload", "key", upload.Key, "upload_id", upload.UploadID, "error", err)
			continue
		}
		c.reclaimSession(ctx, upload.Key, upload.UploadID)
		reclaimed++
	}

	// Sessions can lapse without any provider-side upload to list, for
	// example a single-PUT the client never sent. Expire those rows too.
	sessions, err := c.store.ListExpiredActiveSessions(ctx, now, collectorSessionBatch)
	if err != nil {
		return reclaimed, fmt.Errorf("list expired sessions: %w", err)
	}
	for _, session := range sessions {
		if c.expireSession(ctx, session) {
			reclaimed++
		}
	}
	return reclaimed, nil
}

// reclaimSession expires the session row matching an aborted provider upload,
// when one exists.
func (c *Collector) reclaimSession(ctx context.Context, objectKey, uploadID string) {
	session, err := c.store.SessionForMultipart(ctx, objectKey, uploadID)
	if err != nil {
		if err != storage.ErrSessionNotFound {
			c.logger.Warn("resolve session for aborted upload", "key", objectKey, "error", err)
		}
		return
	}
	c.expireSession(ctx, session)
}

// expireSession moves one active session to expired and fails the owning
// video if it is still pending_upload. Both steps are CAS-guarded, so a
// session reclaimed by a concurrent sweep is a no-op here.
func (c *Collector) expireSession(ctx context.Context, session models.UploadSession) bool {
	if session.Status != models.SessionStatusActive {
		return false
	}
	if err := c.store.TransitionSession(ctx, session.ID, models.SessionStatusActive, models.SessionStatusExpired, nil); err != nil {
		c.logger.Warn("expire session", "session_id", session.ID, "error", err)
		return false
	}
	c.metrics.UploadSessionExpired()
	if err := c.controller.Expire(ctx, session.VideoID); err != nil {
		c.logger.Warn("fail expired video", "video_id", session.VideoID, "error", err)
	}
	return true
}
