// Package upload owns upload sessions: presigned URL minting, part checksum
// registration, completion into the processing pipeline, and client aborts.
package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"vidgate/internal/bus"
	"vidgate/internal/models"
	"vidgate/internal/objectstore"
	"vidgate/internal/observability/metrics"
	"vidgate/internal/queue"
	"vidgate/internal/storage"
)

// Defaults for the session plan knobs. Overridable via Config.
const (
	DefaultMaxFileSize        = 10 << 30
	DefaultMultipartThreshold = 100 << 20
	DefaultPartSize           = 50 << 20
	DefaultMaxParts           = 10000
	DefaultPresignTTL         = time.Hour

	// Provider bounds on individual part sizes. Only the last part may be
	// smaller than the minimum.
	MinPartBytes = 5 << 20
	MaxPartBytes = 5 << 30

	// maxTitleRunes clamps display titles at the boundary so a pathological
	// client cannot bloat the videos table.
	maxTitleRunes = 256
)

// Config wires the session manager's collaborators and plan knobs. Zero knobs
// fall back to the defaults above.
type Config struct {
	Store   storage.Store
	Objects objectstore.Client
	Bus     bus.Bus
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	MaxFileSize        int64
	MultipartThreshold int64
	PartSize           int64
	MaxParts           int
	PresignTTL         time.Duration

	ValidationParallelism int
	ValidationWall        time.Duration

	Now func() time.Time
}

// Manager implements the upload session operations. All methods are safe for
// concurrent use; per-video serialization is delegated to the store's CAS
// transitions.
type Manager struct {
	store     storage.Store
	objects   objectstore.Client
	bus       bus.Bus
	logger    *slog.Logger
	metrics   *metrics.Recorder
	validator *validator

	maxFileSize        int64
	multipartThreshold int64
	partSize           int64
	maxParts           int
	presignTTL         time.Duration

	now func() time.Time
}

// NewManager constructs a Manager from cfg, applying defaults for unset knobs.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("upload manager requires a store")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("upload manager requires an object store client")
	}
	m := &Manager{
		store:              cfg.Store,
		objects:            cfg.Objects,
		bus:                cfg.Bus,
		logger:             cfg.Logger,
		metrics:            cfg.Metrics,
		maxFileSize:        cfg.MaxFileSize,
		multipartThreshold: cfg.MultipartThreshold,
		partSize:           cfg.PartSize,
		maxParts:           cfg.MaxParts,
		presignTTL:         cfg.PresignTTL,
		now:                cfg.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = metrics.Default()
	}
	if m.maxFileSize <= 0 {
		m.maxFileSize = DefaultMaxFileSize
	}
	if m.multipartThreshold <= 0 {
		m.multipartThreshold = DefaultMultipartThreshold
	}
	if m.partSize <= 0 {
		m.partSize = DefaultPartSize
	}
	if m.partSize < MinPartBytes || m.partSize > MaxPartBytes {
		return nil, fmt.Errorf("part size %d outside provider bounds [%d, %d]", m.partSize, int64(MinPartBytes), int64(MaxPartBytes))
	}
	if m.maxParts <= 0 {
		m.maxParts = DefaultMaxParts
	}
	if m.presignTTL <= 0 {
		m.presignTTL = DefaultPresignTTL
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	m.validator = newValidator(cfg.Objects, cfg.ValidationParallelism, cfg.ValidationWall)
	return m, nil
}

// CreateRequest is the client-declared shape of a new upload.
type CreateRequest struct {
	Title       string
	Filename    string
	Size        int64
	ContentType string
	// Checksum is an optional whole-file SHA-256 (base64). For single-PUT
	// uploads it is bound into the presigned URL and re-verified at
	// completion.
	Checksum string
	IsPublic bool
}

// PartURL pairs a part number with its presigned PUT URL.
type PartURL struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

// CreateResult describes the minted session. Single-PUT plans carry
// UploadURL; multipart plans carry MultipartUploadID and PartURLs.
type CreateResult struct {
	Video             models.Video
	Session           models.UploadSession
	Multipart         bool
	UploadURL         string
	MultipartUploadID string
	PartURLs          []PartURL
	PartSize          int64
	NumParts          int
	ExpiresAt         time.Time
}

// Create mints a video row plus an upload session, choosing single-PUT or
// multipart by the declared size.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	title := norm.NFC.String(strings.TrimSpace(req.Title))
	filename := norm.NFC.String(strings.TrimSpace(req.Filename))
	if filename == "" {
		return CreateResult{}, validationErrorf("filename is required")
	}
	if title == "" {
		title = titleFromFilename(filename)
	}
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	if req.Size <= 0 {
		return CreateResult{}, validationErrorf("size must be positive")
	}
	if req.Size > m.maxFileSize {
		return CreateResult{}, &SizeLimitError{Size: req.Size, Max: m.maxFileSize}
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if req.Checksum != "" {
		if err := validChecksum(req.Checksum); err != nil {
			return CreateResult{}, validationErrorf("checksum: %v", err)
		}
	}

	videoID := storage.NewID()
	sessionID := storage.NewID()
	key := objectstore.SourceKey(videoID, filename)
	now := m.now()
	expiresAt := now.Add(m.presignTTL)

	result := CreateResult{ExpiresAt: expiresAt}
	session := models.UploadSession{
		ID:          sessionID,
		VideoID:     videoID,
		ObjectKey:   key,
		ContentType: contentType,
		Status:      models.SessionStatusActive,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}

	if req.Size <= m.multipartThreshold {
		presigned, err := m.objects.PresignPut(key, contentType, m.presignTTL, req.Checksum)
		if err != nil {
			return CreateResult{}, fmt.Errorf("mint upload url: %w", err)
		}
		session.TotalParts = 1
		session.PartSize = req.Size
		result.UploadURL = presigned.URL
		result.NumParts = 1
		result.PartSize = req.Size
	} else {
		numParts := int((req.Size + m.partSize - 1) / m.partSize)
		if numParts > m.maxParts {
			return CreateResult{}, &PartsLimitError{Parts: numParts, Max: m.maxParts}
		}
		uploadID, err := m.objects.InitiateMultipart(ctx, key, contentType)
		if err != nil {
			return CreateResult{}, fmt.Errorf("initiate multipart: %w", err)
		}
		urls, err := m.mintPartURLs(key, uploadID, numParts)
		if err != nil {
			if abortErr := m.objects.AbortMultipart(ctx, key, uploadID); abortErr != nil {
				m.logger.Warn("abort after failed url mint", "video_id", videoID, "error", abortErr)
			}
			return CreateResult{}, err
		}
		session.MultipartUploadID = uploadID
		session.TotalParts = numParts
		session.PartSize = m.partSize
		result.Multipart = true
		result.MultipartUploadID = uploadID
		result.PartURLs = urls
		result.NumParts = numParts
		result.PartSize = m.partSize
	}

	video := models.Video{
		ID:              videoID,
		Title:           title,
		Status:          models.VideoStatusPendingUpload,
		SourceURL:       m.objects.SourceURL(key),
		SourceSize:      req.Size,
		SourceChecksum:  req.Checksum,
		ContentType:     contentType,
		UploadSessionID: sessionID,
		IsPublic:        req.IsPublic,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateVideoWithSession(ctx, video, session); err != nil {
		if session.Multipart() {
			if abortErr := m.objects.AbortMultipart(ctx, key, session.MultipartUploadID); abortErr != nil {
				m.logger.Warn("abort after failed persist", "video_id", videoID, "error", abortErr)
			}
		}
		return CreateResult{}, fmt.Errorf("persist upload session: %w", err)
	}

	m.metrics.UploadSessionCreated()
	result.Video = video
	result.Session = session
	return result, nil
}

func (m *Manager) mintPartURLs(key, uploadID string, numParts int) ([]PartURL, error) {
	urls := make([]PartURL, 0, numParts)
	for part := 1; part <= numParts; part++ {
		presigned, err := m.objects.PresignPartPut(key, uploadID, part, m.presignTTL)
		if err != nil {
			return nil, fmt.Errorf("mint part %d url: %w", part, err)
		}
		urls = append(urls, PartURL{PartNumber: part, URL: presigned.URL})
	}
	return urls, nil
}

// RefreshResult carries the re-minted part URLs.
type RefreshResult struct {
	PartURLs  []PartURL
	PartSize  int64
	ExpiresAt time.Time
}

// RefreshURLs re-mints every part URL of an active multipart session with a
// fresh expiry. The provider upload ID and already-uploaded parts survive.
func (m *Manager) RefreshURLs(ctx context.Context, sessionID string) (RefreshResult, error) {
	session, video, err := m.sessionAndVideo(ctx, sessionID)
	if err != nil {
		return RefreshResult{}, err
	}
	if video.Status != models.VideoStatusPendingUpload {
		return RefreshResult{}, &StateError{VideoID: video.ID, Current: video.Status}
	}
	if !session.Multipart() {
		return RefreshResult{}, validationErrorf("session %s is single-put, nothing to refresh", sessionID)
	}
	if session.Status != models.SessionStatusActive {
		return RefreshResult{}, validationErrorf("session %s is %s", sessionID, session.Status)
	}
	urls, err := m.mintPartURLs(session.ObjectKey, session.MultipartUploadID, session.TotalParts)
	if err != nil {
		return RefreshResult{}, err
	}
	expiresAt := m.now().Add(m.presignTTL)
	if err := m.store.RefreshSessionExpiry(ctx, sessionID, expiresAt); err != nil {
		return RefreshResult{}, fmt.Errorf("extend session expiry: %w", err)
	}
	return RefreshResult{PartURLs: urls, PartSize: session.PartSize, ExpiresAt: expiresAt}, nil
}

// RegisterChecksums upserts client-declared per-part SHA-256 digests and
// returns the total number of registered tuples.
func (m *Manager) RegisterChecksums(ctx context.Context, sessionID string, checksums []models.PartChecksum) (int, error) {
	if len(checksums) == 0 {
		return 0, validationErrorf("at least one checksum is required")
	}
	session, video, err := m.sessionAndVideo(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if video.Status != models.VideoStatusPendingUpload {
		return 0, &StateError{VideoID: video.ID, Current: video.Status}
	}
	if session.Status != models.SessionStatusActive {
		return 0, validationErrorf("session %s is %s", sessionID, session.Status)
	}
	seen := make(map[int]struct{}, len(checksums))
	for _, checksum := range checksums {
		if checksum.PartNumber < 1 || checksum.PartNumber > session.TotalParts {
			return 0, validationErrorf("part number %d outside [1, %d]", checksum.PartNumber, session.TotalParts)
		}
		if _, dup := seen[checksum.PartNumber]; dup {
			return 0, validationErrorf("duplicate checksum for part %d", checksum.PartNumber)
		}
		seen[checksum.PartNumber] = struct{}{}
		if err := validChecksum(checksum.Checksum); err != nil {
			return 0, validationErrorf("part %d checksum: %v", checksum.PartNumber, err)
		}
		if checksum.Size <= 0 {
			return 0, validationErrorf("part %d size must be positive", checksum.PartNumber)
		}
	}
	count, err := m.store.RegisterPartChecksums(ctx, sessionID, checksums)
	if err != nil {
		return 0, fmt.Errorf("register checksums: %w", err)
	}
	return count, nil
}

// CompleteRequest carries the client's view of the finished upload. Single-PUT
// sessions send an empty request.
type CompleteRequest struct {
	MultipartUploadID string
	Parts             []models.UploadedPart
}

// Complete finalizes the upload: it consolidates multipart parts, verifies
// size and any declared checksums against the stored object, then advances the
// video to processing and records the transcode job in the outbox, all in one
// transaction. A repeated Complete finds the video already processing and is
// rejected as a state conflict without enqueuing again.
func (m *Manager) Complete(ctx context.Context, sessionID string, req CompleteRequest) (models.Video, error) {
	session, video, err := m.sessionAndVideo(ctx, sessionID)
	if err != nil {
		return models.Video{}, err
	}
	if video.Status != models.VideoStatusPendingUpload {
		return models.Video{}, &StateError{VideoID: video.ID, Current: video.Status}
	}

	if session.Multipart() {
		if req.MultipartUploadID != session.MultipartUploadID {
			return models.Video{}, validationErrorf("multipart upload id does not match session")
		}
		if err := checkPartCoverage(req.Parts, session.TotalParts); err != nil {
			return models.Video{}, err
		}
		if err := m.store.RecordUploadedParts(ctx, sessionID, req.Parts); err != nil {
			return models.Video{}, fmt.Errorf("record uploaded parts: %w", err)
		}
		completed := make([]objectstore.CompletedPart, 0, len(req.Parts))
		for _, part := range req.Parts {
			completed = append(completed, objectstore.CompletedPart{PartNumber: part.PartNumber, ETag: part.ETag})
		}
		if err := m.objects.CompleteMultipart(ctx, session.ObjectKey, session.MultipartUploadID, completed); err != nil {
			return models.Video{}, m.failUpload(ctx, video, session, fmt.Sprintf("multipart completion failed: %v", err), err)
		}
	} else if len(req.Parts) > 0 || req.MultipartUploadID != "" {
		return models.Video{}, validationErrorf("session %s is single-put", sessionID)
	}

	info, err := m.objects.Head(ctx, session.ObjectKey)
	if err != nil {
		if objectstore.IsNotFound(err) {
			return models.Video{}, m.failUpload(ctx, video, session, "source object missing", err)
		}
		return models.Video{}, fmt.Errorf("head source object: %w", err)
	}
	if info.Size != video.SourceSize {
		reason := fmt.Sprintf("source size %d does not match declared %d", info.Size, video.SourceSize)
		return models.Video{}, m.failUpload(ctx, video, session, reason, nil)
	}

	if err := m.validator.validate(ctx, session, video); err != nil {
		if IsChecksumMismatch(err) || errors.Is(err, context.DeadlineExceeded) {
			return models.Video{}, m.failUpload(ctx, video, session, err.Error(), err)
		}
		return models.Video{}, fmt.Errorf("verify checksums: %w", err)
	}

	payload, err := json.Marshal(queue.Job{VideoID: video.ID, SourceURL: video.SourceURL})
	if err != nil {
		return models.Video{}, fmt.Errorf("encode job payload: %w", err)
	}
	updated, err := m.store.CompleteToProcessing(ctx, video.ID, sessionID, payload)
	if err != nil {
		var conflict *storage.StatusConflictError
		if errors.As(err, &conflict) {
			// A concurrent Complete won the CAS. Exactly one enqueue
			// happened; this caller lost and is told so.
			m.metrics.ObserveTransitionConflict(string(conflict.Expected), string(conflict.Current))
			return models.Video{}, &StateError{VideoID: video.ID, Current: conflict.Current}
		}
		return models.Video{}, fmt.Errorf("advance to processing: %w", err)
	}

	m.metrics.UploadSessionCompleted()
	m.metrics.ObserveTransition(string(models.VideoStatusPendingUpload), string(models.VideoStatusProcessing))
	m.publish(ctx, bus.StatusEvent{VideoID: updated.ID, Status: updated.Status, OccurredAt: m.now()})
	return updated, nil
}

// Abort cancels a pending upload: multipart state is aborted on the provider,
// a finalized source object is deleted, and the video advances to cancelled.
func (m *Manager) Abort(ctx context.Context, sessionID string) error {
	session, video, err := m.sessionAndVideo(ctx, sessionID)
	if err != nil {
		return err
	}
	if video.Status == models.VideoStatusCancelled {
		return nil
	}
	if video.Status != models.VideoStatusPendingUpload {
		return &StateError{VideoID: video.ID, Current: video.Status}
	}
	if session.Multipart() {
		if err := m.objects.AbortMultipart(ctx, session.ObjectKey, session.MultipartUploadID); err != nil {
			return fmt.Errorf("abort multipart: %w", err)
		}
	}
	if err := m.objects.Delete(ctx, session.ObjectKey); err != nil {
		m.logger.Warn("delete source on abort", "video_id", video.ID, "error", err)
	}
	cancelledAt := m.now()
	if _, err := m.store.TransitionVideo(ctx, video.ID, models.VideoStatusPendingUpload, models.VideoStatusCancelled, storage.VideoUpdate{CancelledAt: &cancelledAt}); err != nil {
		if storage.IsStatusConflict(err) {
			return &StateError{VideoID: video.ID, Current: video.Status}
		}
		return fmt.Errorf("cancel video: %w", err)
	}
	if err := m.store.TransitionSession(ctx, sessionID, models.SessionStatusActive, models.SessionStatusFailed, nil); err != nil {
		m.logger.Warn("mark session failed on abort", "session_id", sessionID, "error", err)
	}
	m.metrics.UploadSessionAborted()
	m.metrics.ObserveTransition(string(models.VideoStatusPendingUpload), string(models.VideoStatusCancelled))
	return nil
}

// StatusResult is the compact progress view for GET /uploads/:id/status.
type StatusResult struct {
	VideoID string
	Status  models.VideoStatus
	Title   string
}

// Status reports the owning video's title and lifecycle state.
func (m *Manager) Status(ctx context.Context, sessionID string) (StatusResult, error) {
	_, video, err := m.sessionAndVideo(ctx, sessionID)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{VideoID: video.ID, Status: video.Status, Title: video.Title}, nil
}

func (m *Manager) sessionAndVideo(ctx context.Context, sessionID string) (models.UploadSession, models.Video, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, models.Video{}, err
	}
	video, err := m.store.GetVideo(ctx, session.VideoID)
	if err != nil {
		return models.UploadSession{}, models.Video{}, err
	}
	return session, video, nil
}

// failUpload marks the video failed and the session failed, publishes the
// terminal event, and returns cause so the caller surfaces the original error.
// The failed transition is CAS-guarded from pending_upload, so when a
// concurrent Complete has already won the race to processing this degrades to
// a logged no-op instead of clobbering the winner.
func (m *Manager) failUpload(ctx context.Context, video models.Video, session models.UploadSession, reason string, cause error) error {
	lastError := reason
	if _, err := m.store.TransitionVideo(ctx, video.ID, models.VideoStatusPendingUpload, models.VideoStatusFailed, storage.VideoUpdate{LastError: &lastError}); err != nil {
		m.logger.Error("mark video failed", "video_id", video.ID, "error", err)
	} else {
		m.metrics.ObserveTransition(string(models.VideoStatusPendingUpload), string(models.VideoStatusFailed))
		m.publish(ctx, bus.StatusEvent{VideoID: video.ID, Status: models.VideoStatusFailed, Error: reason, OccurredAt: m.now()})
	}
	if err := m.store.TransitionSession(ctx, session.ID, models.SessionStatusActive, models.SessionStatusFailed, nil); err != nil {
		m.logger.Warn("mark session failed", "session_id", session.ID, "error", err)
	}
	if cause != nil {
		return cause
	}
	return fmt.Errorf("%s", reason)
}

func (m *Manager) publish(ctx context.Context, event bus.StatusEvent) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.Warn("publish status event", "video_id", event.VideoID, "status", event.Status, "error", err)
		return
	}
	m.metrics.ObserveBusPublish(string(event.Status))
}

// checkPartCoverage requires parts to cover 1..total contiguously with
// non-empty ETags.
func checkPartCoverage(parts []models.UploadedPart, total int) error {
	if len(parts) != total {
		return validationErrorf("expected %d parts, got %d", total, len(parts))
	}
	for idx, part := range parts {
		if part.PartNumber != idx+1 {
			return validationErrorf("parts must be ordered 1..%d, got %d at position %d", total, part.PartNumber, idx+1)
		}
		if strings.TrimSpace(part.ETag) == "" {
			return validationErrorf("part %d is missing its etag", part.PartNumber)
		}
	}
	return nil
}

// titleFromFilename derives a display title when the client declared none.
func titleFromFilename(filename string) string {
	base := path.Base(filename)
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." {
		return filename
	}
	return base
}

// validChecksum requires a base64-encoded 32-byte SHA-256 digest.
func validChecksum(value string) error {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("not valid base64")
	}
	if len(raw) != 32 {
		return fmt.Errorf("decoded to %d bytes, want 32", len(raw))
	}
	return nil
}
