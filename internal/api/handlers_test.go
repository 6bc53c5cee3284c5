package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vidgate/internal/bus"
	"vidgate/internal/lifecycle"
	"vidgate/internal/models"
	"vidgate/internal/objectstore"
	"vidgate/internal/observability/metrics"
	"vidgate/internal/storage"
	"vidgate/internal/upload"
)

type stubObjects struct {
	mu         sync.Mutex
	objects    map[string][]byte
	multiparts map[string]string
	nextUpload int
}

func newStubObjects() *stubObjects {
	return &stubObjects{
		objects:    make(map[string][]byte),
		multiparts: make(map[string]string),
	}
}

func (s *stubObjects) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *stubObjects) PresignPut(key, _ string, ttl time.Duration, _ string) (objectstore.PresignedURL, error) {
	return objectstore.PresignedURL{URL: "https://store.test/" + key, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (s *stubObjects) PresignPartPut(key, uploadID string, partNumber int, ttl time.Duration) (objectstore.PresignedURL, error) {
	return objectstore.PresignedURL{
		URL:       fmt.Sprintf("https://store.test/%s?uploadId=%s&partNumber=%d", key, uploadID, partNumber),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (s *stubObjects) InitiateMultipart(_ context.Context, key, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUpload++
	uploadID := fmt.Sprintf("upload-%d", s.nextUpload)
	s.multiparts[key] = uploadID
	return uploadID, nil
}

func (s *stubObjects) CompleteMultipart(_ context.Context, key, _ string, _ []objectstore.CompletedPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.multiparts, key)
	return nil
}

func (s *stubObjects) AbortMultipart(_ context.Context, key, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.multiparts, key)
	return nil
}

func (s *stubObjects) Head(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, &objectstore.Error{Kind: objectstore.KindNotFound, Op: "head", Key: key, Err: io.EOF}
	}
	return objectstore.ObjectInfo{Size: int64(len(data))}, nil
}

func (s *stubObjects) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *stubObjects) RangeGet(_ context.Context, key string, start, end int64) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, &objectstore.Error{Kind: objectstore.KindNotFound, Op: "range_get", Key: key, Err: io.EOF}
	}
	if start < 0 || end >= int64(len(data)) || end < start {
		return nil, &objectstore.Error{Kind: objectstore.KindPreconditionFailed, Op: "range_get", Key: key, Err: fmt.Errorf("bad range")}
	}
	return io.NopCloser(bytes.NewReader(data[start : end+1])), nil
}

func (s *stubObjects) ListIncompleteMultipart(context.Context, string) ([]objectstore.MultipartUpload, error) {
	return nil, nil
}

func (s *stubObjects) SourceURL(key string) string {
	return "https://cdn.test/" + key
}

type fixture struct {
	handler *Handler
	store   *storage.Memory
	objects *stubObjects
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	objects := newStubObjects()
	manager, err := upload.NewManager(upload.Config{
		Store:              store,
		Objects:            objects,
		Bus:                bus.NewMemory(8),
		Metrics:            metrics.New(),
		MultipartThreshold: 64,
		PartSize:           upload.MinPartBytes,
		MaxParts:           8,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	controller, err := lifecycle.NewController(lifecycle.ControllerConfig{Store: store, Objects: objects, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return &fixture{
		handler: NewHandler(manager, controller, store, objects, nil),
		store:   store,
		objects: objects,
	}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	switch {
	case target == "/uploads":
		f.handler.UploadsRoot(rr, req)
	case strings.HasPrefix(target, "/uploads/"):
		f.handler.UploadByID(rr, req)
	case target == "/videos" || strings.HasPrefix(target, "/videos?"):
		f.handler.VideosRoot(rr, req)
	case strings.HasPrefix(target, "/videos/"):
		f.handler.VideoByID(rr, req)
	default:
		t.Fatalf("unrouted target %s", target)
	}
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func sha256Base64(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestCreateUploadSingleResponseShape(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/uploads", map[string]any{
		"filename":    "a.mp4",
		"contentType": "video/mp4",
		"size":        50,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["type"] != "single" {
		t.Fatalf("expected single plan, got %v", body["type"])
	}
	for _, key := range []string{"upload_id", "video_id", "upload_url", "expires_at"} {
		if body[key] == nil || body[key] == "" {
			t.Fatalf("expected %s in response, got %v", key, body)
		}
	}
	// Title defaults to the filename stem when omitted.
	video, err := f.store.GetVideo(context.Background(), body["video_id"].(string))
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if video.Title != "a" {
		t.Fatalf("expected derived title, got %q", video.Title)
	}
}

func TestCreateUploadMultipartResponseShape(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/uploads", map[string]any{
		"title":       "film",
		"filename":    "film.mov",
		"contentType": "video/quicktime",
		"size":        upload.MinPartBytes*2 + 1,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["type"] != "multipart" {
		t.Fatalf("expected multipart plan, got %v", body["type"])
	}
	if body["multipart_upload_id"] == nil {
		t.Fatalf("expected multipart_upload_id, got %v", body)
	}
	if body["num_parts"] != float64(3) {
		t.Fatalf("expected 3 parts, got %v", body["num_parts"])
	}
	urls, ok := body["part_urls"].([]any)
	if !ok || len(urls) != 3 {
		t.Fatalf("expected 3 part_urls, got %v", body["part_urls"])
	}
}

func TestCreateUploadRejectsUnknownFields(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/uploads", map[string]any{
		"filename": "a.mp4",
		"size":     10,
		"surprise": true,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rr.Code)
	}
}

func TestCreateUploadOversizedReturns413(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/uploads", map[string]any{
		"filename": "big.mkv",
		"size":     upload.DefaultMaxFileSize + 1,
	})
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["error"] != "payload_too_large" {
		t.Fatalf("expected payload_too_large, got %v", body["error"])
	}
}

func TestCompleteThenDoubleCompleteConflict(t *testing.T) {
	f := newFixture(t)
	data := []byte("0123456789")
	created := decodeBody(t, f.do(t, http.MethodPost, "/uploads", map[string]any{
		"filename": "clip.mp4",
		"size":     len(data),
		"checksum": sha256Base64(data),
	}))
	uploadID := created["upload_id"].(string)
	videoID := created["video_id"].(string)

	session, err := f.store.GetSession(context.Background(), uploadID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	f.objects.put(session.ObjectKey, data)

	rr := f.do(t, http.MethodPost, "/uploads/"+uploadID+"/complete", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["video_id"] != videoID || body["status"] != "processing" {
		t.Fatalf("unexpected completion body: %v", body)
	}

	rr = f.do(t, http.MethodPost, "/uploads/"+uploadID+"/complete", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on double complete, got %d", rr.Code)
	}
	body = decodeBody(t, rr)
	if body["error"] != "state_conflict" || body["currentStatus"] != "processing" {
		t.Fatalf("expected state_conflict with currentStatus, got %v", body)
	}

	jobs, err := f.store.PendingOutbox(context.Background(), 10)
	if err != nil {
		t.Fatalf("PendingOutbox: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one enqueue, got %d", len(jobs))
	}
}

func TestCompleteChecksumMismatchReturns400(t *testing.T) {
	f := newFixture(t)
	data := []byte("actual object bytes")
	created := decodeBody(t, f.do(t, http.MethodPost, "/uploads", map[string]any{
		"filename": "clip.mp4",
		"size":     len(data),
		"checksum": sha256Base64([]byte("different bytes")),
	}))
	uploadID := created["upload_id"].(string)

	session, err := f.store.GetSession(context.Background(), uploadID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	f.objects.put(session.ObjectKey, data)

	rr := f.do(t, http.MethodPost, "/uploads/"+uploadID+"/complete", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["error"] != "checksum_mismatch" {
		t.Fatalf("expected checksum_mismatch, got %v", body)
	}
	if body["expected"] == nil || body["received"] == nil {
		t.Fatalf("expected digest prefixes in response, got %v", body)
	}
	video, _ := f.store.GetVideo(context.Background(), created["video_id"].(string))
	if video.Status != models.VideoStatusFailed {
		t.Fatalf("expected failed video, got %s", video.Status)
	}
}

func TestRegisterChecksumsReportsAccepted(t *testing.T) {
	f := newFixture(t)
	created := decodeBody(t, f.do(t, http.MethodPost, "/uploads", map[string]any{
		"filename": "film.mov",
		"size":     upload.MinPartBytes * 2,
	}))
	uploadID := created["upload_id"].(string)

	rr := f.do(t, http.MethodPatch, "/uploads/"+uploadID+"/part-checksums", map[string]any{
		"parts": []map[string]any{
			{"partNumber": 1, "checksum": sha256Base64([]byte("one")), "size": upload.MinPartBytes},
			{"partNumber": 2, "checksum": sha256Base64([]byte("two")), "size": upload.MinPartBytes},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["accepted"] != float64(2) {
		t.Fatalf("expected accepted 2, got %v", body)
	}
}

func TestAbortUpload(t *testing.T) {
	f := newFixture(t)
	created := decodeBody(t, f.do(t, http.MethodPost, "/uploads", map[string]any{
		"filename": "film.mov",
		"size":     upload.MinPartBytes * 2,
	}))
	uploadID := created["upload_id"].(string)

	rr := f.do(t, http.MethodPost, "/uploads/"+uploadID+"/abort", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["success"] != true {
		t.Fatalf("expected success true, got %v", body)
	}
	video, _ := f.store.GetVideo(context.Background(), created["video_id"].(string))
	if video.Status != models.VideoStatusCancelled {
		t.Fatalf("expected cancelled, got %s", video.Status)
	}
}

func TestUploadStatusAndUnknownSession(t *testing.T) {
	f := newFixture(t)
	created := decodeBody(t, f.do(t, http.MethodPost, "/uploads", map[string]any{
		"title":    "clip",
		"filename": "clip.mp4",
		"size":     10,
	}))
	uploadID := created["upload_id"].(string)

	rr := f.do(t, http.MethodGet, "/uploads/"+uploadID+"/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["status"] != "pending_upload" || body["title"] != "clip" {
		t.Fatalf("unexpected status body: %v", body)
	}

	rr = f.do(t, http.MethodGet, "/uploads/nope/status", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rr.Code)
	}
}

func TestListVideosExcludesDeleted(t *testing.T) {
	f := newFixture(t)
	first := decodeBody(t, f.do(t, http.MethodPost, "/uploads", map[string]any{"filename": "one.mp4", "size": 10}))
	second := decodeBody(t, f.do(t, http.MethodPost, "/uploads", map[string]any{"filename": "two.mp4", "size": 10}))

	rr := f.do(t, http.MethodDelete, "/videos/"+first["video_id"].(string), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/videos", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	videos, ok := body["videos"].([]any)
	if !ok || len(videos) != 1 {
		t.Fatalf("expected one listed video, got %v", body)
	}
	listed := videos[0].(map[string]any)
	if listed["id"] != second["video_id"] {
		t.Fatalf("expected surviving video %v, got %v", second["video_id"], listed["id"])
	}

	// Detail view of the deleted video is a 404.
	rr = f.do(t, http.MethodGet, "/videos/"+first["video_id"].(string), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for deleted video, got %d", rr.Code)
	}
}

func TestVideoDetailInlinesManifestWhenReady(t *testing.T) {
	f := newFixture(t)
	data := []byte("bytes")
	created := decodeBody(t, f.do(t, http.MethodPost, "/uploads", map[string]any{"filename": "clip.mp4", "size": len(data)}))
	uploadID := created["upload_id"].(string)
	videoID := created["video_id"].(string)

	session, _ := f.store.GetSession(context.Background(), uploadID)
	f.objects.put(session.ObjectKey, data)
	if rr := f.do(t, http.MethodPost, "/uploads/"+uploadID+"/complete", nil); rr.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rr.Code, rr.Body.String())
	}

	manifest := []byte(`{"version":1,"segments":["seg-0.m4s"]}`)
	f.objects.put(objectstore.ManifestKey(videoID), manifest)
	manifestURL := f.objects.SourceURL(objectstore.ManifestKey(videoID))
	duration := 12.5
	processedAt := time.Now().UTC()
	if _, err := f.store.TransitionVideo(context.Background(), videoID, models.VideoStatusProcessing, models.VideoStatusReady, storage.VideoUpdate{
		ManifestURL: &manifestURL,
		DurationS:   &duration,
		ProcessedAt: &processedAt,
	}); err != nil {
		t.Fatalf("TransitionVideo: %v", err)
	}

	rr := f.do(t, http.MethodGet, "/videos/"+videoID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["status"] != "ready" {
		t.Fatalf("expected ready, got %v", body["status"])
	}
	inlined, ok := body["manifest"].(map[string]any)
	if !ok {
		t.Fatalf("expected inlined manifest object, got %v", body["manifest"])
	}
	if inlined["version"] != float64(1) {
		t.Fatalf("unexpected manifest payload: %v", inlined)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/uploads", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != "POST" {
		t.Fatalf("expected Allow POST, got %q", allow)
	}
}
