package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vidgate/internal/models"
)

// ErrVideoNotFound is returned when no video row matches the requested ID.
var ErrVideoNotFound = errors.New("video not found")

// ErrSessionNotFound is returned when no upload session matches.
var ErrSessionNotFound = errors.New("upload session not found")

// StatusConflictError reports a CAS transition that found the video in a
// status other than the expected one. Callers treat it as a no-op signal for
// double-completes and late worker callbacks.
type StatusConflictError struct {
	VideoID  string
	Expected models.VideoStatus
	Current  models.VideoStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("video %s is %s, expected %s", e.VideoID, e.Current, e.Expected)
}

// IsStatusConflict reports whether err is a CAS transition conflict.
func IsStatusConflict(err error) bool {
	var conflict *StatusConflictError
	return errors.As(err, &conflict)
}

// VideoUpdate carries the optional column updates applied alongside a status
// transition. Nil fields are left untouched.
type VideoUpdate struct {
	Title              *string
	ManifestURL        *string
	DurationS          *float64
	Width              *int
	Height             *int
	Codec              *string
	Bitrate            *int
	FPS                *float64
	Thumbnails         *models.ThumbnailSpec
	ProcessingAttempts *int
	LastError          *string
	ProcessedAt        *time.Time
	CancelledAt        *time.Time
	DeletedAt          *time.Time
}

// ListVideosParams filters the public listing. Soft-deleted rows are always
// excluded.
type ListVideosParams struct {
	Limit  int
	Offset int
}

// OutboxJob is one pending transcode dispatch recorded transactionally with
// the pending_upload to processing transition.
type OutboxJob struct {
	ID        int64
	VideoID   string
	Payload   []byte
	CreatedAt time.Time
}

// Store is the relational source of truth for video and upload-session
// state. Implementations enforce the lifecycle invariants: transitions are
// CAS-guarded per video, and the processing transition and its job outbox
// insert commit atomically.
type Store interface {
	// CreateVideoWithSession inserts the video row and its upload session
	// in one transaction.
	CreateVideoWithSession(ctx context.Context, video models.Video, session models.UploadSession) error

	GetVideo(ctx context.Context, id string) (models.Video, error)
	ListVideos(ctx context.Context, params ListVideosParams) ([]models.Video, error)

	GetSession(ctx context.Context, id string) (models.UploadSession, error)
	// SessionForMultipart resolves a session by object key and provider
	// upload ID; used by the abandoned-upload collector.
	SessionForMultipart(ctx context.Context, objectKey, uploadID string) (models.UploadSession, error)
	// ListExpiredActiveSessions returns active sessions whose expires_at
	// is before cutoff.
	ListExpiredActiveSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.UploadSession, error)

	// RefreshSessionExpiry extends an active session's expiry after URLs
	// are re-minted.
	RefreshSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error
	// RegisterPartChecksums upserts client-declared checksums by part
	// number and returns how many tuples the session now holds.
	RegisterPartChecksums(ctx context.Context, sessionID string, checksums []models.PartChecksum) (int, error)
	// RecordUploadedParts stores the part list supplied at completion.
	RecordUploadedParts(ctx context.Context, sessionID string, parts []models.UploadedPart) error
	// TransitionSession moves a session between states; conflicting
	// current states return ErrSessionNotFound-free no-op errors via
	// StatusConflictError semantics on the owning video instead, so this
	// call is last-writer-wins and only guards the from status.
	TransitionSession(ctx context.Context, sessionID string, from, to models.SessionStatus, completedAt *time.Time) error

	// TransitionVideo performs a CAS status advance, applying update in
	// the same statement. A mismatch returns *StatusConflictError with
	// the current status.
	TransitionVideo(ctx context.Context, id string, from, to models.VideoStatus, update VideoUpdate) (models.Video, error)
	// CompleteToProcessing atomically advances pending_upload to
	// processing, marks the session completed, and records the job
	// payload in the outbox. The enqueue and the transition share one
	// transaction so a crash cannot strand either side.
	CompleteToProcessing(ctx context.Context, videoID, sessionID string, payload []byte) (models.Video, error)

	// PendingOutbox returns undelivered jobs oldest-first.
	PendingOutbox(ctx context.Context, limit int) ([]OutboxJob, error)
	// MarkOutboxDispatched stamps a job as handed to the queue.
	MarkOutboxDispatched(ctx context.Context, id int64) error

	// ListSegments returns the worker-written segments for a video in
	// index order.
	ListSegments(ctx context.Context, videoID string) ([]models.Segment, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
