package storage

import (
	"context"
	"fmt"
)

// migrations run in order inside one transaction. Statements must stay
// idempotent so restarts can replay them safely.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS videos (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    status TEXT NOT NULL,
    source_url TEXT NOT NULL DEFAULT '',
    source_size BIGINT NOT NULL DEFAULT 0,
    source_checksum TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL DEFAULT '',
    manifest_url TEXT NOT NULL DEFAULT '',
    duration_s DOUBLE PRECISION,
    width INTEGER,
    height INTEGER,
    bitrate INTEGER,
    fps DOUBLE PRECISION,
    codec TEXT NOT NULL DEFAULT '',
    thumbnails JSONB,
    upload_session_id TEXT NOT NULL DEFAULT '',
    processing_attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    is_public BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    processed_at TIMESTAMPTZ,
    cancelled_at TIMESTAMPTZ,
    deleted_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS idx_videos_status ON videos (status)`,
	`CREATE INDEX IF NOT EXISTS idx_videos_listing ON videos (created_at DESC) WHERE deleted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS upload_sessions (
    id TEXT PRIMARY KEY,
    video_id TEXT NOT NULL REFERENCES videos (id) ON DELETE CASCADE,
    multipart_upload_id TEXT NOT NULL DEFAULT '',
    object_key TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    total_parts INTEGER NOT NULL,
    part_size BIGINT NOT NULL,
    uploaded_parts JSONB NOT NULL DEFAULT '[]',
    part_checksums JSONB NOT NULL DEFAULT '[]',
    status TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS idx_upload_sessions_video ON upload_sessions (video_id)`,
	`CREATE INDEX IF NOT EXISTS idx_upload_sessions_expiry ON upload_sessions (expires_at) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS segments (
    video_id TEXT NOT NULL REFERENCES videos (id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    url TEXT NOT NULL,
    start_s DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_s DOUBLE PRECISION NOT NULL,
    size BIGINT NOT NULL DEFAULT 0,
    keyframe BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (video_id, idx)
)`,
	`CREATE TABLE IF NOT EXISTS video_jobs_outbox (
    id BIGSERIAL PRIMARY KEY,
    video_id TEXT NOT NULL,
    payload JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    dispatched_at TIMESTAMPTZ
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_pending_video ON video_jobs_outbox (video_id) WHERE dispatched_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON video_jobs_outbox (id) WHERE dispatched_at IS NULL`,
}

func (p *Postgres) migrate(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migrations: %w", err)
	}
	defer rollbackTx(ctx, tx)
	for _, statement := range migrations {
		if _, err := tx.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}
