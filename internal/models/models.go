package models

import (
	"strings"
	"time"
)

// VideoStatus enumerates the lifecycle states a video moves through from the
// moment an upload session is minted until the row is soft deleted.
type VideoStatus string

const (
	// VideoStatusPendingUpload marks a video whose presigned URLs were
	// issued but whose source object has not been finalized yet.
	VideoStatusPendingUpload VideoStatus = "pending_upload"
	// VideoStatusUploading marks a video whose client has started pushing
	// parts but has not completed the session.
	VideoStatusUploading VideoStatus = "uploading"
	// VideoStatusProcessing marks a video whose transcode job has been
	// enqueued and has not yet terminated.
	VideoStatusProcessing VideoStatus = "processing"
	// VideoStatusReady marks a video with a playback manifest available.
	VideoStatusReady VideoStatus = "ready"
	// VideoStatusFailed marks a video whose ingest or transcode failed
	// terminally.
	VideoStatusFailed VideoStatus = "failed"
	// VideoStatusCancelled marks a video whose upload was aborted by the
	// client before completion.
	VideoStatusCancelled VideoStatus = "cancelled"
	// VideoStatusDeleted marks a soft-deleted video.
	VideoStatusDeleted VideoStatus = "deleted"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s VideoStatus) Valid() bool {
	switch s {
	case VideoStatusPendingUpload, VideoStatusUploading, VideoStatusProcessing,
		VideoStatusReady, VideoStatusFailed, VideoStatusCancelled, VideoStatusDeleted:
		return true
	}
	return false
}

// Terminal reports whether no further worker-driven transition can occur.
// Terminal videos may still advance to deleted.
func (s VideoStatus) Terminal() bool {
	switch s {
	case VideoStatusReady, VideoStatusFailed, VideoStatusCancelled, VideoStatusDeleted:
		return true
	}
	return false
}

// ThumbnailSpec describes the thumbnail artifacts the worker produces for a
// video.
type ThumbnailSpec struct {
	Pattern   string  `json:"pattern"`
	IntervalS float64 `json:"intervalS"`
	SpriteURL string  `json:"spriteUrl,omitempty"`
}

// Video is the central ingest entity; one row per ingested video.
type Video struct {
	ID                 string
	Title              string
	Status             VideoStatus
	SourceURL          string
	SourceSize         int64
	SourceChecksum     string
	ContentType        string
	ManifestURL        string
	DurationS          *float64
	Width              *int
	Height             *int
	Codec              string
	Bitrate            *int
	FPS                *float64
	Thumbnails         *ThumbnailSpec
	UploadSessionID    string
	ProcessingAttempts int
	LastError          string
	IsPublic           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ProcessedAt        *time.Time
	CancelledAt        *time.Time
	DeletedAt          *time.Time
}

// SessionStatus enumerates upload session states.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusExpired   SessionStatus = "expired"
)

// UploadedPart records one uploaded multipart chunk. ETag is the provider
// identifier required at completion.
type UploadedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size,omitempty"`
}

// PartChecksum is a client-declared SHA-256 (base64) over one part's bytes,
// registered before completion and verified against the finalized object.
type PartChecksum struct {
	PartNumber int    `json:"partNumber"`
	Checksum   string `json:"checksum"`
	Size       int64  `json:"size"`
}

// UploadSession tracks one single-PUT or multipart upload. Single-PUT
// sessions carry TotalParts=1 and no multipart upload ID.
type UploadSession struct {
	ID                string
	VideoID           string
	MultipartUploadID string
	ObjectKey         string
	ContentType       string
	TotalParts        int
	PartSize          int64
	UploadedParts     []UploadedPart
	PartChecksums     []PartChecksum
	Status            SessionStatus
	ExpiresAt         time.Time
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// Multipart reports whether the session was initiated against the provider's
// multipart API.
func (s UploadSession) Multipart() bool {
	return strings.TrimSpace(s.MultipartUploadID) != ""
}

// Segment is one fMP4 media segment written by the worker. The orchestrator
// only reads segments to enforce the ready invariant and serve detail views.
type Segment struct {
	VideoID   string  `json:"videoId"`
	Idx       int     `json:"idx"`
	URL       string  `json:"url"`
	StartS    float64 `json:"startS"`
	DurationS float64 `json:"durationS"`
	Size      int64   `json:"size,omitempty"`
	Keyframe  bool    `json:"keyframe,omitempty"`
}
