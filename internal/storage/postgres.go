package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vidgate/internal/models"
)

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgres opens a Postgres-backed store and applies schema migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg := newPostgresConfig(dsn)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &Postgres{pool: pool, cfg: cfg}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the connection pool, honoring ctx cancellation.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const videoColumns = `id, title, status, source_url, source_size, source_checksum, content_type,
manifest_url, duration_s, width, height, bitrate, fps, codec, thumbnails,
upload_session_id, processing_attempts, last_error, is_public,
created_at, updated_at, processed_at, cancelled_at, deleted_at`

const sessionColumns = `id, video_id, multipart_upload_id, object_key, content_type,
total_parts, part_size, uploaded_parts, part_checksums, status,
expires_at, created_at, completed_at`

func (p *Postgres) CreateVideoWithSession(ctx context.Context, video models.Video, session models.UploadSession) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create video: %w", err)
	}
	defer rollbackTx(ctx, tx)

	thumbnails, err := encodeThumbnails(video.Thumbnails)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO videos (id, title, status, source_url, source_size, source_checksum, content_type,
    manifest_url, duration_s, width, height, bitrate, fps, codec, thumbnails,
    upload_session_id, processing_attempts, last_error, is_public, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
`, video.ID, video.Title, string(video.Status), video.SourceURL, video.SourceSize,
		video.SourceChecksum, video.ContentType, video.ManifestURL,
		video.DurationS, video.Width, video.Height, video.Bitrate, video.FPS, video.Codec, thumbnails,
		video.UploadSessionID, video.ProcessingAttempts, video.LastError, video.IsPublic,
		video.CreatedAt.UTC(), video.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert video %s: %w", video.ID, err)
	}

	uploadedParts, partChecksums, err := encodeSessionParts(session)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO upload_sessions (id, video_id, multipart_upload_id, object_key, content_type,
    total_parts, part_size, uploaded_parts, part_checksums, status, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, session.ID, session.VideoID, session.MultipartUploadID, session.ObjectKey, session.ContentType,
		session.TotalParts, session.PartSize, uploadedParts, partChecksums,
		string(session.Status), session.ExpiresAt.UTC(), session.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert upload session %s: %w", session.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create video: %w", err)
	}
	return nil
}

func (p *Postgres) GetVideo(ctx context.Context, id string) (models.Video, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if err != nil {
		if isNoRows(err) {
			return models.Video{}, ErrVideoNotFound
		}
		return models.Video{}, fmt.Errorf("select video %s: %w", id, err)
	}
	return video, nil
}

func (p *Postgres) ListVideos(ctx context.Context, params ListVideosParams) ([]models.Video, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := p.pool.Query(ctx, `
SELECT `+videoColumns+`
FROM videos
WHERE deleted_at IS NULL AND status <> 'deleted'
ORDER BY created_at DESC, id
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()
	videos := make([]models.Video, 0, limit)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, video)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	return videos, nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (models.UploadSession, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		if isNoRows(err) {
			return models.UploadSession{}, ErrSessionNotFound
		}
		return models.UploadSession{}, fmt.Errorf("select upload session %s: %w", id, err)
	}
	return session, nil
}

func (p *Postgres) SessionForMultipart(ctx context.Context, objectKey, uploadID string) (models.UploadSession, error) {
	row := p.pool.QueryRow(ctx, `
SELECT `+sessionColumns+`
FROM upload_sessions
WHERE object_key = $1 AND multipart_upload_id = $2
`, objectKey, uploadID)
	session, err := scanSession(row)
	if err != nil {
		if isNoRows(err) {
			return models.UploadSession{}, ErrSessionNotFound
		}
		return models.UploadSession{}, fmt.Errorf("select session for multipart %s: %w", uploadID, err)
	}
	return session, nil
}

func (p *Postgres) ListExpiredActiveSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.UploadSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT `+sessionColumns+`
FROM upload_sessions
WHERE status = 'active' AND expires_at < $1
ORDER BY expires_at
LIMIT $2
`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()
	var sessions []models.UploadSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return sessions, nil
}

func (p *Postgres) RefreshSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE upload_sessions SET expires_at = $2 WHERE id = $1
`, sessionID, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("refresh session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *Postgres) RegisterPartChecksums(ctx context.Context, sessionID string, checksums []models.PartChecksum) (int, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin register checksums: %w", err)
	}
	defer rollbackTx(ctx, tx)

	var raw []byte
	row := tx.QueryRow(ctx, `SELECT part_checksums FROM upload_sessions WHERE id = $1 FOR UPDATE`, sessionID)
	if err := row.Scan(&raw); err != nil {
		if isNoRows(err) {
			return 0, ErrSessionNotFound
		}
		return 0, fmt.Errorf("select checksums %s: %w", sessionID, err)
	}
	var existing []models.PartChecksum
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &existing); err != nil {
			return 0, fmt.Errorf("decode checksums %s: %w", sessionID, err)
		}
	}
	merged := mergeChecksums(existing, checksums)
	encoded, err := json.Marshal(merged)
	if err != nil {
		return 0, fmt.Errorf("encode checksums %s: %w", sessionID, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE upload_sessions SET part_checksums = $2 WHERE id = $1`, sessionID, encoded); err != nil {
		return 0, fmt.Errorf("update checksums %s: %w", sessionID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit register checksums: %w", err)
	}
	return len(merged), nil
}

func (p *Postgres) RecordUploadedParts(ctx context.Context, sessionID string, parts []models.UploadedPart) error {
	encoded, err := json.Marshal(sortedParts(parts))
	if err != nil {
		return fmt.Errorf("encode uploaded parts %s: %w", sessionID, err)
	}
	tag, err := p.pool.Exec(ctx, `UPDATE upload_sessions SET uploaded_parts = $2 WHERE id = $1`, sessionID, encoded)
	if err != nil {
		return fmt.Errorf("record uploaded parts %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *Postgres) TransitionSession(ctx context.Context, sessionID string, from, to models.SessionStatus, completedAt *time.Time) error {
	var completed any
	if completedAt != nil {
		completed = completedAt.UTC()
	}
	_, err := p.pool.Exec(ctx, `
UPDATE upload_sessions
SET status = $3, completed_at = COALESCE($4, completed_at)
WHERE id = $1 AND status = $2
`, sessionID, string(from), string(to), completed)
	if err != nil {
		return fmt.Errorf("transition session %s: %w", sessionID, err)
	}
	return nil
}

func (p *Postgres) TransitionVideo(ctx context.Context, id string, from, to models.VideoStatus, update VideoUpdate) (models.Video, error) {
	sets, args := buildVideoUpdate(to, update)
	args = append([]any{id, string(from)}, args...)
	query := `
UPDATE videos
SET ` + strings.Join(sets, ", ") + `
WHERE id = $1 AND status = $2
RETURNING ` + videoColumns
	row := p.pool.QueryRow(ctx, query, args...)
	video, err := scanVideo(row)
	if err == nil {
		return video, nil
	}
	if !isNoRows(err) {
		return models.Video{}, fmt.Errorf("transition video %s: %w", id, err)
	}
	// CAS missed. Distinguish a missing row from a status conflict.
	var current string
	if scanErr := p.pool.QueryRow(ctx, `SELECT status FROM videos WHERE id = $1`, id).Scan(&current); scanErr != nil {
		if isNoRows(scanErr) {
			return models.Video{}, ErrVideoNotFound
		}
		return models.Video{}, fmt.Errorf("select video status %s: %w", id, scanErr)
	}
	return models.Video{}, &StatusConflictError{VideoID: id, Expected: from, Current: models.VideoStatus(current)}
}

func (p *Postgres) CompleteToProcessing(ctx context.Context, videoID, sessionID string, payload []byte) (models.Video, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Video{}, fmt.Errorf("begin complete: %w", err)
	}
	defer rollbackTx(ctx, tx)

	row := tx.QueryRow(ctx, `
UPDATE videos
SET status = 'processing', processing_attempts = 0, last_error = '', updated_at = now()
WHERE id = $1 AND status = 'pending_upload'
RETURNING `+videoColumns, videoID)
	video, err := scanVideo(row)
	if err != nil {
		if !isNoRows(err) {
			return models.Video{}, fmt.Errorf("advance video %s: %w", videoID, err)
		}
		var current string
		if scanErr := tx.QueryRow(ctx, `SELECT status FROM videos WHERE id = $1`, videoID).Scan(&current); scanErr != nil {
			if isNoRows(scanErr) {
				return models.Video{}, ErrVideoNotFound
			}
			return models.Video{}, fmt.Errorf("select video status %s: %w", videoID, scanErr)
		}
		return models.Video{}, &StatusConflictError{VideoID: videoID, Expected: models.VideoStatusPendingUpload, Current: models.VideoStatus(current)}
	}

	if _, err := tx.Exec(ctx, `
UPDATE upload_sessions SET status = 'completed', completed_at = now() WHERE id = $1
`, sessionID); err != nil {
		return models.Video{}, fmt.Errorf("complete session %s: %w", sessionID, err)
	}

	// The unique partial index on video_id keeps retried completions from
	// queueing the job twice.
	if _, err := tx.Exec(ctx, `
INSERT INTO video_jobs_outbox (video_id, payload)
VALUES ($1, $2)
ON CONFLICT (video_id) WHERE dispatched_at IS NULL DO NOTHING
`, videoID, payload); err != nil {
		return models.Video{}, fmt.Errorf("insert outbox %s: %w", videoID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Video{}, fmt.Errorf("commit complete: %w", err)
	}
	return video, nil
}

func (p *Postgres) PendingOutbox(ctx context.Context, limit int) ([]OutboxJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT id, video_id, payload, created_at
FROM video_jobs_outbox
WHERE dispatched_at IS NULL
ORDER BY id
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()
	var jobs []OutboxJob
	for rows.Next() {
		var job OutboxJob
		if err := rows.Scan(&job.ID, &job.VideoID, &job.Payload, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return jobs, nil
}

func (p *Postgres) MarkOutboxDispatched(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx, `
UPDATE video_jobs_outbox SET dispatched_at = now() WHERE id = $1 AND dispatched_at IS NULL
`, id)
	if err != nil {
		return fmt.Errorf("mark outbox %d dispatched: %w", id, err)
	}
	return nil
}

func (p *Postgres) ListSegments(ctx context.Context, videoID string) ([]models.Segment, error) {
	rows, err := p.pool.Query(ctx, `
SELECT video_id, idx, url, start_s, duration_s, size, keyframe
FROM segments
WHERE video_id = $1
ORDER BY idx
`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list segments %s: %w", videoID, err)
	}
	defer rows.Close()
	var segments []models.Segment
	for rows.Next() {
		var segment models.Segment
		if err := rows.Scan(&segment.VideoID, &segment.Idx, &segment.URL, &segment.StartS, &segment.DurationS, &segment.Size, &segment.Keyframe); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, segment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list segments %s: %w", videoID, err)
	}
	return segments, nil
}

func buildVideoUpdate(to models.VideoStatus, update VideoUpdate) ([]string, []any) {
	sets := []string{"status = $3", "updated_at = now()"}
	args := []any{string(to)}
	next := 4
	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, next))
		args = append(args, value)
		next++
	}
	if update.Title != nil {
		add("title", strings.TrimSpace(*update.Title))
	}
	if update.ManifestURL != nil {
		add("manifest_url", *update.ManifestURL)
	}
	if update.DurationS != nil {
		add("duration_s", *update.DurationS)
	}
	if update.Width != nil {
		add("width", *update.Width)
	}
	if update.Height != nil {
		add("height", *update.Height)
	}
	if update.Codec != nil {
		add("codec", *update.Codec)
	}
	if update.Bitrate != nil {
		add("bitrate", *update.Bitrate)
	}
	if update.FPS != nil {
		add("fps", *update.FPS)
	}
	if update.Thumbnails != nil {
		encoded, err := json.Marshal(update.Thumbnails)
		if err == nil {
			add("thumbnails", encoded)
		}
	}
	if update.ProcessingAttempts != nil {
		add("processing_attempts", *update.ProcessingAttempts)
	}
	if update.LastError != nil {
		add("last_error", *update.LastError)
	}
	if update.ProcessedAt != nil {
		add("processed_at", update.ProcessedAt.UTC())
	}
	if update.CancelledAt != nil {
		add("cancelled_at", update.CancelledAt.UTC())
	}
	if update.DeletedAt != nil {
		add("deleted_at", update.DeletedAt.UTC())
	}
	return sets, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (models.Video, error) {
	var (
		video      models.Video
		status     string
		thumbnails []byte
	)
	err := row.Scan(&video.ID, &video.Title, &status, &video.SourceURL, &video.SourceSize,
		&video.SourceChecksum, &video.ContentType, &video.ManifestURL,
		&video.DurationS, &video.Width, &video.Height, &video.Bitrate, &video.FPS, &video.Codec, &thumbnails,
		&video.UploadSessionID, &video.ProcessingAttempts, &video.LastError, &video.IsPublic,
		&video.CreatedAt, &video.UpdatedAt, &video.ProcessedAt, &video.CancelledAt, &video.DeletedAt)
	if err != nil {
		return models.Video{}, err
	}
	video.Status = models.VideoStatus(status)
	if len(thumbnails) > 0 {
		var spec models.ThumbnailSpec
		if err := json.Unmarshal(thumbnails, &spec); err != nil {
			return models.Video{}, fmt.Errorf("decode thumbnails: %w", err)
		}
		video.Thumbnails = &spec
	}
	return video, nil
}

func scanSession(row rowScanner) (models.UploadSession, error) {
	var (
		session       models.UploadSession
		status        string
		uploadedParts []byte
		partChecksums []byte
	)
	err := row.Scan(&session.ID, &session.VideoID, &session.MultipartUploadID, &session.ObjectKey,
		&session.ContentType, &session.TotalParts, &session.PartSize,
		&uploadedParts, &partChecksums, &status,
		&session.ExpiresAt, &session.CreatedAt, &session.CompletedAt)
	if err != nil {
		return models.UploadSession{}, err
	}
	session.Status = models.SessionStatus(status)
	if len(uploadedParts) > 0 {
		if err := json.Unmarshal(uploadedParts, &session.UploadedParts); err != nil {
			return models.UploadSession{}, fmt.Errorf("decode uploaded parts: %w", err)
		}
	}
	if len(partChecksums) > 0 {
		if err := json.Unmarshal(partChecksums, &session.PartChecksums); err != nil {
			return models.UploadSession{}, fmt.Errorf("decode part checksums: %w", err)
		}
	}
	return session, nil
}

func encodeThumbnails(spec *models.ThumbnailSpec) ([]byte, error) {
	if spec == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode thumbnails: %w", err)
	}
	return encoded, nil
}

func encodeSessionParts(session models.UploadSession) ([]byte, []byte, error) {
	uploadedParts, err := json.Marshal(sortedParts(session.UploadedParts))
	if err != nil {
		return nil, nil, fmt.Errorf("encode uploaded parts: %w", err)
	}
	partChecksums, err := json.Marshal(sortedChecksums(session.PartChecksums))
	if err != nil {
		return nil, nil, fmt.Errorf("encode part checksums: %w", err)
	}
	return uploadedParts, partChecksums, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		_ = err
	}
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

var _ Store = (*Postgres)(nil)
