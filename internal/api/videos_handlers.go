package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vidgate/internal/models"
	"vidgate/internal/objectstore"
	"vidgate/internal/observability/logging"
	"vidgate/internal/storage"
)

type videoResponse struct {
	ID          string                `json:"id"`
	Title       string                `json:"title"`
	Status      string                `json:"status"`
	SourceURL   string                `json:"sourceUrl,omitempty"`
	SourceSize  int64                 `json:"sourceSize,omitempty"`
	ContentType string                `json:"contentType,omitempty"`
	ManifestURL string                `json:"manifestUrl,omitempty"`
	DurationS   *float64              `json:"durationS,omitempty"`
	Width       *int                  `json:"width,omitempty"`
	Height      *int                  `json:"height,omitempty"`
	Codec       string                `json:"codec,omitempty"`
	Bitrate     *int                  `json:"bitrate,omitempty"`
	FPS         *float64              `json:"fps,omitempty"`
	Thumbnails  *models.ThumbnailSpec `json:"thumbnails,omitempty"`
	IsPublic    bool                  `json:"isPublic"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   string                `json:"createdAt"`
	UpdatedAt   string                `json:"updatedAt"`
	ProcessedAt *string               `json:"processedAt,omitempty"`
	Manifest    json.RawMessage       `json:"manifest,omitempty"`
}

func newVideoResponse(video models.Video) videoResponse {
	resp := videoResponse{
		ID:          video.ID,
		Title:       video.Title,
		Status:      string(video.Status),
		SourceURL:   video.SourceURL,
		SourceSize:  video.SourceSize,
		ContentType: video.ContentType,
		ManifestURL: video.ManifestURL,
		DurationS:   video.DurationS,
		Width:       video.Width,
		Height:      video.Height,
		Codec:       video.Codec,
		Bitrate:     video.Bitrate,
		FPS:         video.FPS,
		Thumbnails:  video.Thumbnails,
		IsPublic:    video.IsPublic,
		Error:       video.LastError,
		CreatedAt:   video.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   video.UpdatedAt.Format(time.RFC3339Nano),
	}
	if video.ProcessedAt != nil {
		processed := video.ProcessedAt.Format(time.RFC3339Nano)
		resp.ProcessedAt = &processed
	}
	return resp
}

// VideosRoot handles GET /videos: the public, soft-delete-excluding listing.
func (h *Handler) VideosRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	params := storage.ListVideosParams{Limit: 50}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: "limit must be between 1 and 500"})
			return
		}
		params.Limit = limit
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: "offset must be non-negative"})
			return
		}
		params.Offset = offset
	}
	videos, err := h.Store.ListVideos(r.Context(), params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	response := make([]videoResponse, 0, len(videos))
	for _, video := range videos {
		response = append(response, newVideoResponse(video))
	}
	writeJSON(w, http.StatusOK, map[string][]videoResponse{"videos": response})
}

// VideoByID handles GET and DELETE /videos/:id.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	videoID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/videos/"))
	if videoID == "" || strings.Contains(videoID, "/") {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
		return
	}
	r = r.WithContext(logging.ContextWithVideoID(r.Context(), videoID))

	switch r.Method {
	case http.MethodGet:
		h.videoDetail(w, r, videoID)
	case http.MethodDelete:
		if err := h.Lifecycle.Delete(r.Context(), videoID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		methodNotAllowed(w, "GET, DELETE")
	}
}

func (h *Handler) videoDetail(w http.ResponseWriter, r *http.Request, videoID string) {
	video, err := h.Store.GetVideo(r.Context(), videoID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if video.Status == models.VideoStatusDeleted {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: fmt.Sprintf("video %s not found", videoID)})
		return
	}
	response := newVideoResponse(video)
	if video.Status == models.VideoStatusReady {
		manifest, err := h.readManifest(r.Context(), video.ID)
		if err != nil {
			h.Logger.Warn("inline manifest", "video_id", video.ID, "error", err)
		} else {
			response.Manifest = manifest
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// readManifest fetches the worker-written manifest so ready detail views can
// inline it instead of sending clients on a second round trip.
func (h *Handler) readManifest(ctx context.Context, videoID string) (json.RawMessage, error) {
	if h.Objects == nil {
		return nil, fmt.Errorf("object store not configured")
	}
	key := objectstore.ManifestKey(videoID)
	info, err := h.Objects.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	body, err := h.Objects.RangeGet(ctx, key, 0, info.Size-1)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("manifest for %s is not valid json", videoID)
	}
	return json.RawMessage(raw), nil
}
