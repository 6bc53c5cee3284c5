package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"vidgate/internal/models"
)

// Memory is an in-process Store used by development mode and tests. It
// honors the same CAS and outbox semantics as the Postgres implementation.
type Memory struct {
	mu       sync.RWMutex
	videos   map[string]models.Video
	sessions map[string]models.UploadSession
	segments map[string][]models.Segment
	outbox   []OutboxJob
	nextJob  int64
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		videos:   make(map[string]models.Video),
		sessions: make(map[string]models.UploadSession),
		segments: make(map[string][]models.Segment),
		nextJob:  1,
	}
}

func cloneVideo(v models.Video) models.Video {
	cloned := v
	cloned.DurationS = clonePtr(v.DurationS)
	cloned.Width = clonePtr(v.Width)
	cloned.Height = clonePtr(v.Height)
	cloned.Bitrate = clonePtr(v.Bitrate)
	cloned.FPS = clonePtr(v.FPS)
	cloned.Thumbnails = clonePtr(v.Thumbnails)
	cloned.ProcessedAt = clonePtr(v.ProcessedAt)
	cloned.CancelledAt = clonePtr(v.CancelledAt)
	cloned.DeletedAt = clonePtr(v.DeletedAt)
	return cloned
}

func cloneSession(s models.UploadSession) models.UploadSession {
	cloned := s
	cloned.UploadedParts = append([]models.UploadedPart(nil), s.UploadedParts...)
	cloned.PartChecksums = append([]models.PartChecksum(nil), s.PartChecksums...)
	cloned.CompletedAt = clonePtr(s.CompletedAt)
	return cloned
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	value := *p
	return &value
}

func (m *Memory) CreateVideoWithSession(_ context.Context, video models.Video, session models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos[video.ID] = cloneVideo(video)
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *Memory) GetVideo(_ context.Context, id string) (models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	video, ok := m.videos[id]
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	return cloneVideo(video), nil
}

func (m *Memory) ListVideos(_ context.Context, params ListVideosParams) ([]models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	videos := make([]models.Video, 0, len(m.videos))
	for _, video := range m.videos {
		if video.Status == models.VideoStatusDeleted || video.DeletedAt != nil {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	if params.Offset > 0 {
		if params.Offset >= len(videos) {
			return []models.Video{}, nil
		}
		videos = videos[params.Offset:]
	}
	if params.Limit > 0 && params.Limit < len(videos) {
		videos = videos[:params.Limit]
	}
	return videos, nil
}

func (m *Memory) GetSession(_ context.Context, id string) (models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (m *Memory) SessionForMultipart(_ context.Context, objectKey, uploadID string) (models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, session := range m.sessions {
		if session.ObjectKey == objectKey && session.MultipartUploadID == uploadID {
			return cloneSession(session), nil
		}
	}
	return models.UploadSession{}, ErrSessionNotFound
}

func (m *Memory) ListExpiredActiveSessions(_ context.Context, cutoff time.Time, limit int) ([]models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var expired []models.UploadSession
	for _, session := range m.sessions {
		if session.Status != models.SessionStatusActive {
			continue
		}
		if session.ExpiresAt.Before(cutoff) {
			expired = append(expired, cloneSession(session))
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && limit < len(expired) {
		expired = expired[:limit]
	}
	return expired, nil
}

func (m *Memory) RefreshSessionExpiry(_ context.Context, sessionID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.ExpiresAt = expiresAt
	m.sessions[sessionID] = session
	return nil
}

func (m *Memory) RegisterPartChecksums(_ context.Context, sessionID string, checksums []models.PartChecksum) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	merged := mergeChecksums(session.PartChecksums, checksums)
	session.PartChecksums = merged
	m.sessions[sessionID] = session
	return len(merged), nil
}

func (m *Memory) RecordUploadedParts(_ context.Context, sessionID string, parts []models.UploadedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.UploadedParts = sortedParts(parts)
	m.sessions[sessionID] = session
	return nil
}

func (m *Memory) TransitionSession(_ context.Context, sessionID string, from, to models.SessionStatus, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if session.Status != from {
		return nil
	}
	session.Status = to
	if completedAt != nil {
		session.CompletedAt = clonePtr(completedAt)
	}
	m.sessions[sessionID] = session
	return nil
}

func (m *Memory) TransitionVideo(_ context.Context, id string, from, to models.VideoStatus, update VideoUpdate) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.videos[id]
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	if video.Status != from {
		return models.Video{}, &StatusConflictError{VideoID: id, Expected: from, Current: video.Status}
	}
	applyVideoUpdate(&video, to, update)
	m.videos[id] = video
	return cloneVideo(video), nil
}

func (m *Memory) CompleteToProcessing(_ context.Context, videoID, sessionID string, payload []byte) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.videos[videoID]
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	if video.Status != models.VideoStatusPendingUpload {
		return models.Video{}, &StatusConflictError{VideoID: videoID, Expected: models.VideoStatusPendingUpload, Current: video.Status}
	}
	session, ok := m.sessions[sessionID]
	if !ok {
		return models.Video{}, ErrSessionNotFound
	}
	now := time.Now().UTC()
	video.Status = models.VideoStatusProcessing
	video.ProcessingAttempts = 0
	video.LastError = ""
	video.UpdatedAt = now
	session.Status = models.SessionStatusCompleted
	session.CompletedAt = &now
	m.videos[videoID] = video
	m.sessions[sessionID] = session
	m.outbox = append(m.outbox, OutboxJob{
		ID:        m.nextJob,
		VideoID:   videoID,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: now,
	})
	m.nextJob++
	return cloneVideo(video), nil
}

func (m *Memory) PendingOutbox(_ context.Context, limit int) ([]OutboxJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]OutboxJob, 0, len(m.outbox))
	for _, job := range m.outbox {
		jobs = append(jobs, job)
		if limit > 0 && len(jobs) >= limit {
			break
		}
	}
	return jobs, nil
}

func (m *Memory) MarkOutboxDispatched(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, job := range m.outbox {
		if job.ID == id {
			m.outbox = append(m.outbox[:idx], m.outbox[idx+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) ListSegments(_ context.Context, videoID string) ([]models.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	segments := append([]models.Segment(nil), m.segments[videoID]...)
	sort.Slice(segments, func(i, j int) bool { return segments[i].Idx < segments[j].Idx })
	return segments, nil
}

// PutSegment records a worker-written segment. Only the memory store exposes
// this; in production the worker writes segments directly.
func (m *Memory) PutSegment(_ context.Context, segment models.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.segments[segment.VideoID]
	for idx, current := range existing {
		if current.Idx == segment.Idx {
			existing[idx] = segment
			return nil
		}
	}
	m.segments[segment.VideoID] = append(existing, segment)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close(context.Context) error { return nil }

func applyVideoUpdate(video *models.Video, to models.VideoStatus, update VideoUpdate) {
	video.Status = to
	video.UpdatedAt = time.Now().UTC()
	if update.Title != nil {
		if trimmed := strings.TrimSpace(*update.Title); trimmed != "" {
			video.Title = trimmed
		}
	}
	if update.ManifestURL != nil {
		video.ManifestURL = *update.ManifestURL
	}
	if update.DurationS != nil {
		video.DurationS = clonePtr(update.DurationS)
	}
	if update.Width != nil {
		video.Width = clonePtr(update.Width)
	}
	if update.Height != nil {
		video.Height = clonePtr(update.Height)
	}
	if update.Codec != nil {
		video.Codec = *update.Codec
	}
	if update.Bitrate != nil {
		video.Bitrate = clonePtr(update.Bitrate)
	}
	if update.FPS != nil {
		video.FPS = clonePtr(update.FPS)
	}
	if update.Thumbnails != nil {
		video.Thumbnails = clonePtr(update.Thumbnails)
	}
	if update.ProcessingAttempts != nil {
		video.ProcessingAttempts = *update.ProcessingAttempts
	}
	if update.LastError != nil {
		video.LastError = *update.LastError
	}
	if update.ProcessedAt != nil {
		video.ProcessedAt = clonePtr(update.ProcessedAt)
	}
	if update.CancelledAt != nil {
		video.CancelledAt = clonePtr(update.CancelledAt)
	}
	if update.DeletedAt != nil {
		video.DeletedAt = clonePtr(update.DeletedAt)
	}
}

var _ Store = (*Memory)(nil)
