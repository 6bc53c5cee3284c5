package objectstore

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Config{
		Endpoint:  server.URL,
		Bucket:    "vidgate",
		Region:    "us-east-1",
		AccessKey: "test-access",
		SecretKey: "test-secret",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, server
}

func TestHeadParsesObjectInfo(t *testing.T) {
	modified := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		if r.URL.Path != "/vidgate/sources/vid-1/original.mp4" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-HMAC-SHA256 Credential=test-access/") {
			t.Errorf("missing sigv4 authorization header: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		w.Header().Set("Content-Length", "2048")
		w.WriteHeader(http.StatusOK)
	}))

	info, err := client.Head(context.Background(), "sources/vid-1/original.mp4")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if info.Size != 2048 || info.ETag != "abc123" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if !info.LastModified.Equal(modified) {
		t.Fatalf("unexpected last modified: %v", info.LastModified)
	}
}

func TestHeadMissIsNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_, err := client.Head(context.Background(), "sources/missing")
	if !IsNotFound(err) {
		t.Fatalf("expected a not-found error, got %v", err)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	if _, err := client.Head(context.Background(), "sources/flaky"); err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDeleteTreatsMissingObjectAsDone(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	if err := client.Delete(context.Background(), "sources/gone"); err != nil {
		t.Fatalf("delete of a missing object must succeed, got %v", err)
	}
}

func TestRangeGetSendsRangeHeader(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=100-199" {
			t.Errorf("unexpected range header %q", r.Header.Get("Range"))
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("chunk"))
	}))

	body, err := client.RangeGet(context.Background(), "sources/vid-1", 100, 199)
	if err != nil {
		t.Fatalf("range get: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "chunk" {
		t.Fatalf("unexpected body %q", data)
	}

	if _, err := client.RangeGet(context.Background(), "sources/vid-1", 200, 100); err == nil {
		t.Fatal("expected an error for an inverted range")
	}
}

func TestRangeGetRejectsIgnoredRange(t *testing.T) {
	var requests atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		// Provider ignores Range and returns the whole object.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("the entire object body"))
	}))

	_, err := client.RangeGet(context.Background(), "sources/vid-1", 0, 4)
	var storeErr *Error
	if !errors.As(err, &storeErr) || storeErr.Kind != KindPermanent {
		t.Fatalf("expected a permanent error for an ignored range, got %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("a contract error must not be retried, got %d requests", got)
	}
}

func TestPresignPutBindsChecksumAndExpiry(t *testing.T) {
	client, server := newTestClient(t, http.NewServeMux())
	signed, err := client.PresignPut("sources/vid-1/original.mp4", "video/mp4", 15*time.Minute, "c2hhLXN1bQ==")
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if signed.ExpiresAt.Before(time.Now()) {
		t.Fatal("expiry must be in the future")
	}

	parsed, err := url.Parse(signed.URL)
	if err != nil {
		t.Fatalf("parse presigned url: %v", err)
	}
	if !strings.HasPrefix(signed.URL, server.URL+"/vidgate/sources/vid-1/original.mp4") {
		t.Fatalf("unexpected presigned url %s", signed.URL)
	}
	query := parsed.Query()
	if query.Get("X-Amz-Algorithm") != "AWS4-HMAC-SHA256" || query.Get("X-Amz-Signature") == "" {
		t.Fatalf("missing sigv4 query parameters: %s", parsed.RawQuery)
	}
	if query.Get("X-Amz-Expires") != "900" {
		t.Fatalf("expected 900 second expiry, got %s", query.Get("X-Amz-Expires"))
	}
	signedHeaders := query.Get("X-Amz-SignedHeaders")
	if !strings.Contains(signedHeaders, "x-amz-checksum-sha256") || !strings.Contains(signedHeaders, "content-type") {
		t.Fatalf("checksum and content type must be signed, got %s", signedHeaders)
	}
}

func TestPresignPartPutCarriesPartNumber(t *testing.T) {
	client, _ := newTestClient(t, http.NewServeMux())
	signed, err := client.PresignPartPut("sources/vid-1/original.mp4", "upload-1", 7, time.Hour)
	if err != nil {
		t.Fatalf("presign part: %v", err)
	}
	parsed, _ := url.Parse(signed.URL)
	if parsed.Query().Get("partNumber") != "7" || parsed.Query().Get("uploadId") != "upload-1" {
		t.Fatalf("unexpected presigned part query: %s", parsed.RawQuery)
	}

	if _, err := client.PresignPartPut("key", "upload-1", 0, time.Hour); err == nil {
		t.Fatal("expected an error for part number 0")
	}
}

func TestPresignRequiresCredentialsAndTTL(t *testing.T) {
	server := httptest.NewServer(http.NewServeMux())
	defer server.Close()
	client, err := New(Config{Endpoint: server.URL, Bucket: "vidgate"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.PresignPut("key", "", time.Hour, ""); err == nil {
		t.Fatal("expected an error without credentials")
	}

	full, _ := newTestClient(t, http.NewServeMux())
	if _, err := full.PresignPut("key", "", 0, ""); err == nil {
		t.Fatal("expected an error for zero ttl")
	}
}

func TestInitiateMultipartParsesUploadID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.Contains(r.URL.RawQuery, "uploads") {
			t.Errorf("unexpected request %s %s?%s", r.Method, r.URL.Path, r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `<InitiateMultipartUploadResult><UploadId>upload-42</UploadId></InitiateMultipartUploadResult>`)
	}))

	uploadID, err := client.InitiateMultipart(context.Background(), "sources/vid-1/original.mp4", "video/mp4")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if uploadID != "upload-42" {
		t.Fatalf("unexpected upload id %q", uploadID)
	}
}

func TestCompleteMultipartValidatesCoverage(t *testing.T) {
	client, _ := newTestClient(t, http.NewServeMux())
	ctx := context.Background()

	if err := client.CompleteMultipart(ctx, "key", "upload-1", nil); err == nil {
		t.Fatal("expected an error for an empty part list")
	}
	err := client.CompleteMultipart(ctx, "key", "upload-1", []CompletedPart{
		{PartNumber: 1, ETag: "a"},
		{PartNumber: 3, ETag: "c"},
	})
	if err == nil {
		t.Fatal("expected an error for a coverage gap")
	}
	err = client.CompleteMultipart(ctx, "key", "upload-1", []CompletedPart{
		{PartNumber: 1, ETag: ""},
	})
	if err == nil {
		t.Fatal("expected an error for an empty etag")
	}
}

func TestCompleteMultipartPostsSortedParts(t *testing.T) {
	var received completeMultipartUpload
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := xml.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	err := client.CompleteMultipart(context.Background(), "key", "upload-1", []CompletedPart{
		{PartNumber: 2, ETag: "b"},
		{PartNumber: 1, ETag: "a"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(received.Parts) != 2 || received.Parts[0].PartNumber != 1 || received.Parts[1].ETag != "b" {
		t.Fatalf("unexpected posted parts: %+v", received.Parts)
	}
}

func TestCompleteMultipartDetectsInBodyError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// S3 reports some completion failures inside a 200 response.
		_, _ = io.WriteString(w, `<Error><Code>InvalidPart</Code><Message>part etag mismatch</Message></Error>`)
	}))

	err := client.CompleteMultipart(context.Background(), "key", "upload-1", []CompletedPart{{PartNumber: 1, ETag: "a"}})
	if err == nil || !strings.Contains(err.Error(), "InvalidPart") {
		t.Fatalf("expected an InvalidPart failure, got %v", err)
	}
}

func TestAbortMultipartIgnoresUnknownUpload(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	if err := client.AbortMultipart(context.Background(), "key", "upload-gone"); err != nil {
		t.Fatalf("abort of an unknown upload must succeed, got %v", err)
	}
}

func TestListIncompleteMultipartFollowsPagination(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			if r.URL.Query().Get("prefix") != "sources/" {
				t.Errorf("unexpected prefix %q", r.URL.Query().Get("prefix"))
			}
			_, _ = io.WriteString(w, `<ListMultipartUploadsResult>
				<IsTruncated>true</IsTruncated>
				<NextKeyMarker>k1</NextKeyMarker>
				<NextUploadIdMarker>u1</NextUploadIdMarker>
				<Upload><Key>sources/a</Key><UploadId>u-a</UploadId><Initiated>2026-02-01T00:00:00Z</Initiated></Upload>
			</ListMultipartUploadsResult>`)
		default:
			if r.URL.Query().Get("key-marker") != "k1" || r.URL.Query().Get("upload-id-marker") != "u1" {
				t.Errorf("pagination markers missing: %s", r.URL.RawQuery)
			}
			_, _ = io.WriteString(w, `<ListMultipartUploadsResult>
				<IsTruncated>false</IsTruncated>
				<Upload><Key>sources/b</Key><UploadId>u-b</UploadId></Upload>
			</ListMultipartUploadsResult>`)
		}
	}))

	uploads, err := client.ListIncompleteMultipart(context.Background(), "sources/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(uploads) != 2 || uploads[0].Key != "sources/a" || uploads[1].UploadID != "u-b" {
		t.Fatalf("unexpected uploads: %+v", uploads)
	}
	if uploads[0].InitiatedAt.IsZero() {
		t.Fatal("expected the initiated timestamp to be parsed")
	}
}

func TestSourceURLPrefersPublicEndpoint(t *testing.T) {
	client, server := newTestClient(t, http.NewServeMux())
	if got := client.SourceURL("sources/vid-1/original.mp4"); got != server.URL+"/vidgate/sources/vid-1/original.mp4" {
		t.Fatalf("unexpected source url %s", got)
	}

	public, err := New(Config{
		Endpoint:       server.URL,
		Bucket:         "vidgate",
		AccessKey:      "a",
		SecretKey:      "s",
		PublicEndpoint: "https://cdn.example.com/vidgate/",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got := public.SourceURL("sources/vid-1/original.mp4"); got != "https://cdn.example.com/vidgate/sources/vid-1/original.mp4" {
		t.Fatalf("unexpected public source url %s", got)
	}
}

func TestSourceAndManifestKeys(t *testing.T) {
	if got := SourceKey("vid-1", "Movie.MP4"); got != "sources/vid-1/original.mp4" {
		t.Fatalf("unexpected source key %s", got)
	}
	if got := SourceKey("vid-1", "noext"); got != "sources/vid-1/original.bin" {
		t.Fatalf("unexpected extensionless key %s", got)
	}
	if got := ManifestKey("vid-1"); got != "processed/vid-1/manifest.json" {
		t.Fatalf("unexpected manifest key %s", got)
	}
}
