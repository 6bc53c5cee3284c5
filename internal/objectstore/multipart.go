package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

type initiateMultipartResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

type completeMultipartUpload struct {
	XMLName xml.Name            `xml:"CompleteMultipartUpload"`
	Parts   []completedPartNode `xml:"Part"`
}

type completedPartNode struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeMultipartError struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

type listMultipartUploadsResult struct {
	XMLName     xml.Name           `xml:"ListMultipartUploadsResult"`
	IsTruncated bool               `xml:"IsTruncated"`
	Uploads     []multipartListing `xml:"Upload"`
	NextKey     string             `xml:"NextKeyMarker"`
	NextUpload  string             `xml:"NextUploadIdMarker"`
}

type multipartListing struct {
	Key       string `xml:"Key"`
	UploadID  string `xml:"UploadId"`
	Initiated string `xml:"Initiated"`
}

// InitiateMultipart starts a multipart upload and returns the provider-issued
// upload ID.
func (c *s3Client) InitiateMultipart(ctx context.Context, key, contentType string) (string, error) {
	var uploadID string
	err := withRetries(ctx, func() error {
		target := c.objectURL(key)
		target.RawQuery = "uploads="
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), nil)
		if err != nil {
			return newError("initiate_multipart", key, KindPermanent, err)
		}
		if contentType != "" {
			request.Header.Set("Content-Type", contentType)
		}
		c.signRequest(request, emptyPayloadHash)
		response, err := c.httpClient.Do(request)
		if err != nil {
			return newError("initiate_multipart", key, KindTransient, err)
		}
		defer response.Body.Close()
		if response.StatusCode < 200 || response.StatusCode >= 300 {
			return statusError("initiate_multipart", key, response.StatusCode)
		}
		var result initiateMultipartResult
		if err := xml.NewDecoder(response.Body).Decode(&result); err != nil {
			return newError("initiate_multipart", key, KindTransient, fmt.Errorf("decode response: %w", err))
		}
		if strings.TrimSpace(result.UploadID) == "" {
			return newError("initiate_multipart", key, KindTransient, fmt.Errorf("provider returned empty upload id"))
		}
		uploadID = result.UploadID
		return nil
	})
	return uploadID, err
}

// CompleteMultipart finalizes the upload. Parts must cover 1..N contiguously;
// the adapter sorts them ascending before posting.
func (c *s3Client) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	if len(parts) == 0 {
		return newError("complete_multipart", key, KindPermanent, fmt.Errorf("at least one part is required"))
	}
	sorted := append([]CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	for idx, part := range sorted {
		if part.PartNumber != idx+1 {
			return newError("complete_multipart", key, KindPermanent,
				fmt.Errorf("parts must cover 1..%d contiguously, found %d at position %d", len(sorted), part.PartNumber, idx+1))
		}
		if strings.TrimSpace(part.ETag) == "" {
			return newError("complete_multipart", key, KindPermanent, fmt.Errorf("part %d has an empty etag", part.PartNumber))
		}
	}
	payload := completeMultipartUpload{Parts: make([]completedPartNode, 0, len(sorted))}
	for _, part := range sorted {
		payload.Parts = append(payload.Parts, completedPartNode{PartNumber: part.PartNumber, ETag: part.ETag})
	}
	body, err := xml.Marshal(payload)
	if err != nil {
		return newError("complete_multipart", key, KindPermanent, fmt.Errorf("encode request: %w", err))
	}

	return withRetries(ctx, func() error {
		target := c.objectURL(key)
		target.RawQuery = url.Values{"uploadId": []string{uploadID}}.Encode()
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return newError("complete_multipart", key, KindPermanent, err)
		}
		request.Header.Set("Content-Type", "application/xml")
		c.signRequest(request, hashSHA256Hex(body))
		response, err := c.httpClient.Do(request)
		if err != nil {
			return newError("complete_multipart", key, KindTransient, err)
		}
		defer response.Body.Close()
		if response.StatusCode < 200 || response.StatusCode >= 300 {
			return statusError("complete_multipart", key, response.StatusCode)
		}
		// Providers report completion failures inside a 200 body.
		raw, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
		if err != nil {
			return newError("complete_multipart", key, KindTransient, fmt.Errorf("read response: %w", err))
		}
		var failure completeMultipartError
		if xml.Unmarshal(raw, &failure) == nil && failure.Code != "" {
			kind := KindPermanent
			if failure.Code == "InternalError" || failure.Code == "SlowDown" {
				kind = KindTransient
			}
			return newError("complete_multipart", key, kind, fmt.Errorf("%s: %s", failure.Code, failure.Message))
		}
		return nil
	})
}

// AbortMultipart cancels the upload. Aborting an unknown upload succeeds so
// the collector and client cancellation can race completion safely.
func (c *s3Client) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return withRetries(ctx, func() error {
		target := c.objectURL(key)
		target.RawQuery = url.Values{"uploadId": []string{uploadID}}.Encode()
		request, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
		if err != nil {
			return newError("abort_multipart", key, KindPermanent, err)
		}
		c.signRequest(request, emptyPayloadHash)
		response, err := c.httpClient.Do(request)
		if err != nil {
			return newError("abort_multipart", key, KindTransient, err)
		}
		defer drainAndClose(response.Body)
		if response.StatusCode == http.StatusNotFound {
			return nil
		}
		if response.StatusCode < 200 || response.StatusCode >= 300 {
			return statusError("abort_multipart", key, response.StatusCode)
		}
		return nil
	})
}

// ListIncompleteMultipart enumerates in-flight multipart uploads, following
// pagination markers until the listing is exhausted.
func (c *s3Client) ListIncompleteMultipart(ctx context.Context, prefix string) ([]MultipartUpload, error) {
	var uploads []MultipartUpload
	keyMarker := ""
	uploadMarker := ""
	for {
		var page listMultipartUploadsResult
		err := withRetries(ctx, func() error {
			target := *c.endpoint
			target.Path = "/" + strings.TrimLeft(c.cfg.Bucket, "/")
			query := url.Values{}
			query.Set("uploads", "")
			if prefix != "" {
				query.Set("prefix", prefix)
			}
			if keyMarker != "" {
				query.Set("key-marker", keyMarker)
			}
			if uploadMarker != "" {
				query.Set("upload-id-marker", uploadMarker)
			}
			target.RawQuery = query.Encode()
			request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
			if err != nil {
				return newError("list_multipart", prefix, KindPermanent, err)
			}
			c.signRequest(request, emptyPayloadHash)
			response, err := c.httpClient.Do(request)
			if err != nil {
				return newError("list_multipart", prefix, KindTransient, err)
			}
			defer response.Body.Close()
			if response.StatusCode < 200 || response.StatusCode >= 300 {
				return statusError("list_multipart", prefix, response.StatusCode)
			}
			page = listMultipartUploadsResult{}
			if err := xml.NewDecoder(response.Body).Decode(&page); err != nil {
				return newError("list_multipart", prefix, KindTransient, fmt.Errorf("decode response: %w", err))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, listing := range page.Uploads {
			upload := MultipartUpload{Key: listing.Key, UploadID: listing.UploadID}
			if listing.Initiated != "" {
				if initiated, parseErr := time.Parse(time.RFC3339, listing.Initiated); parseErr == nil {
					upload.InitiatedAt = initiated
				}
			}
			uploads = append(uploads, upload)
		}
		if !page.IsTruncated {
			return uploads, nil
		}
		keyMarker = page.NextKey
		uploadMarker = page.NextUpload
	}
}

func hashSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
