package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"vidgate/internal/models"
	"vidgate/internal/upload"
)

type createUploadRequest struct {
	Title       string `json:"title"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	IsPublic    bool   `json:"isPublic"`
}

type partURLResponse struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

type createUploadResponse struct {
	Type              string            `json:"type"`
	UploadID          string            `json:"upload_id"`
	VideoID           string            `json:"video_id"`
	UploadURL         string            `json:"upload_url,omitempty"`
	MultipartUploadID string            `json:"multipart_upload_id,omitempty"`
	PartURLs          []partURLResponse `json:"part_urls,omitempty"`
	PartSize          int64             `json:"part_size,omitempty"`
	NumParts          int               `json:"num_parts,omitempty"`
	ExpiresAt         string            `json:"expires_at"`
}

func newCreateUploadResponse(result upload.CreateResult) createUploadResponse {
	resp := createUploadResponse{
		UploadID:  result.Session.ID,
		VideoID:   result.Video.ID,
		ExpiresAt: result.ExpiresAt.Format(time.RFC3339),
	}
	if result.Multipart {
		resp.Type = "multipart"
		resp.MultipartUploadID = result.MultipartUploadID
		resp.PartURLs = partURLResponses(result.PartURLs)
		resp.PartSize = result.PartSize
		resp.NumParts = result.NumParts
	} else {
		resp.Type = "single"
		resp.UploadURL = result.UploadURL
	}
	return resp
}

func partURLResponses(urls []upload.PartURL) []partURLResponse {
	out := make([]partURLResponse, 0, len(urls))
	for _, u := range urls {
		out = append(out, partURLResponse{PartNumber: u.PartNumber, URL: u.URL})
	}
	return out
}

// UploadsRoot handles POST /uploads.
func (h *Handler) UploadsRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	var req createUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: err.Error()})
		return
	}
	result, err := h.Uploads.Create(r.Context(), upload.CreateRequest{
		Title:       req.Title,
		Filename:    req.Filename,
		Size:        req.Size,
		ContentType: req.ContentType,
		Checksum:    req.Checksum,
		IsPublic:    req.IsPublic,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCreateUploadResponse(result))
}

type refreshURLsResponse struct {
	PartURLs  []partURLResponse `json:"part_urls"`
	PartSize  int64             `json:"part_size"`
	ExpiresAt string            `json:"expires_at"`
}

type registerChecksumsRequest struct {
	Parts []models.PartChecksum `json:"parts"`
}

type completePartInput struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

type completeUploadRequest struct {
	MultipartUploadID string              `json:"multipartUploadId"`
	Parts             []completePartInput `json:"parts"`
}

// UploadByID dispatches /uploads/:id and its subresources.
func (h *Handler) UploadByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/uploads/")
	if path == "" {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "upload id missing"})
		return
	}
	segments := strings.Split(path, "/")
	sessionID := strings.TrimSpace(segments[0])
	action := ""
	if len(segments) > 1 {
		action = segments[1]
	}
	if len(segments) > 2 || sessionID == "" {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
		return
	}
	switch action {
	case "refresh-urls":
		h.refreshUploadURLs(w, r, sessionID)
	case "part-checksums":
		h.registerPartChecksums(w, r, sessionID)
	case "complete":
		h.completeUpload(w, r, sessionID)
	case "abort":
		h.abortUpload(w, r, sessionID)
	case "status":
		h.uploadStatus(w, r, sessionID)
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: fmt.Sprintf("unknown upload action %q", action)})
	}
}

func (h *Handler) refreshUploadURLs(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	result, err := h.Uploads.RefreshURLs(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshURLsResponse{
		PartURLs:  partURLResponses(result.PartURLs),
		PartSize:  result.PartSize,
		ExpiresAt: result.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *Handler) registerPartChecksums(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, "PATCH")
		return
	}
	var req registerChecksumsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: err.Error()})
		return
	}
	accepted, err := h.Uploads.RegisterChecksums(r.Context(), sessionID, req.Parts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	var req completeUploadRequest
	if err := decodeJSONOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: err.Error()})
		return
	}
	parts := make([]models.UploadedPart, 0, len(req.Parts))
	for _, part := range req.Parts {
		parts = append(parts, models.UploadedPart{PartNumber: part.PartNumber, ETag: part.ETag})
	}
	video, err := h.Uploads.Complete(r.Context(), sessionID, upload.CompleteRequest{
		MultipartUploadID: req.MultipartUploadID,
		Parts:             parts,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"video_id": video.ID,
		"status":   string(video.Status),
	})
}

func (h *Handler) abortUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	if err := h.Uploads.Abort(r.Context(), sessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) uploadStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	status, err := h.Uploads.Status(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"video_id": status.VideoID,
		"status":   string(status.Status),
		"title":    status.Title,
	})
}
