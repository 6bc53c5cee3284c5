package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Config describes how the adapter reaches an S3-compatible provider.
type Config struct {
	Endpoint       string
	PublicEndpoint string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 30 * time.Second

func (cfg Config) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return cfg.RequestTimeout
}

func (cfg Config) region() string {
	if trimmed := strings.TrimSpace(cfg.Region); trimmed != "" {
		return trimmed
	}
	return "us-east-1"
}

// PresignedURL carries a capability URL and its expiry.
type PresignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// ObjectInfo is the metadata returned by Head.
type ObjectInfo struct {
	Size         int64
	ETag         string
	LastModified time.Time
}

// CompletedPart names one uploaded part at multipart completion time.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// MultipartUpload identifies one in-flight multipart upload on the provider.
type MultipartUpload struct {
	Key         string
	UploadID    string
	InitiatedAt time.Time
}

// Client is the uniform contract over the S3-compatible store. All calls are
// safe for concurrent use; retriable provider failures are retried internally
// per the adapter taxonomy.
type Client interface {
	PresignPut(key, contentType string, ttl time.Duration, checksumSHA256 string) (PresignedURL, error)
	PresignPartPut(key, uploadID string, partNumber int, ttl time.Duration) (PresignedURL, error)
	InitiateMultipart(ctx context.Context, key, contentType string) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	RangeGet(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
	ListIncompleteMultipart(ctx context.Context, prefix string) ([]MultipartUpload, error)
	SourceURL(key string) string
}

// New builds a SigV4-signing client against the configured endpoint.
func New(cfg Config) (Client, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if bucket == "" || endpoint == "" {
		return nil, fmt.Errorf("object storage bucket and endpoint are required")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse object storage endpoint: %w", err)
		}
		if parsed.Scheme != "" {
			scheme = parsed.Scheme
		}
		endpoint = parsed.Host
	}
	base := &url.URL{Scheme: scheme, Host: endpoint}
	if base.Host == "" {
		return nil, fmt.Errorf("object storage endpoint host is empty")
	}
	sanitized := cfg
	sanitized.Bucket = bucket
	return &s3Client{
		cfg:        sanitized,
		endpoint:   base,
		httpClient: &http.Client{Timeout: sanitized.requestTimeout()},
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

type s3Client struct {
	cfg        Config
	endpoint   *url.URL
	httpClient *http.Client
	now        func() time.Time
}

func (c *s3Client) objectURL(key string) *url.URL {
	path := "/" + strings.TrimLeft(c.cfg.Bucket, "/")
	if trimmed := strings.TrimLeft(key, "/"); trimmed != "" {
		path += "/" + trimmed
	}
	u := *c.endpoint
	u.Path = path
	return &u
}

// SourceURL returns the canonical URI persisted as a video's source_url.
func (c *s3Client) SourceURL(key string) string {
	if base := strings.TrimSpace(c.cfg.PublicEndpoint); base != "" {
		return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
	}
	return c.objectURL(key).String()
}

func (c *s3Client) Head(ctx context.Context, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := withRetries(ctx, func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodHead, c.objectURL(key).String(), nil)
		if err != nil {
			return newError("head", key, KindPermanent, err)
		}
		c.signRequest(request, emptyPayloadHash)
		response, err := c.httpClient.Do(request)
		if err != nil {
			return newError("head", key, KindTransient, err)
		}
		defer drainAndClose(response.Body)
		if response.StatusCode < 200 || response.StatusCode >= 300 {
			return statusError("head", key, response.StatusCode)
		}
		info = ObjectInfo{
			Size: response.ContentLength,
			ETag: strings.Trim(response.Header.Get("ETag"), `"`),
		}
		if modified := response.Header.Get("Last-Modified"); modified != "" {
			if parsed, parseErr := http.ParseTime(modified); parseErr == nil {
				info.LastModified = parsed
			}
		}
		return nil
	})
	return info, err
}

func (c *s3Client) Delete(ctx context.Context, key string) error {
	return withRetries(ctx, func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(key).String(), nil)
		if err != nil {
			return newError("delete", key, KindPermanent, err)
		}
		c.signRequest(request, emptyPayloadHash)
		response, err := c.httpClient.Do(request)
		if err != nil {
			return newError("delete", key, KindTransient, err)
		}
		defer drainAndClose(response.Body)
		// Deletion is idempotent: a 404 means the object is already gone.
		if response.StatusCode == http.StatusNotFound {
			return nil
		}
		if response.StatusCode < 200 || response.StatusCode >= 300 {
			return statusError("delete", key, response.StatusCode)
		}
		return nil
	})
}

func (c *s3Client) RangeGet(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, newError("range_get", key, KindPermanent, fmt.Errorf("invalid byte range %d-%d", start, end))
	}
	var body io.ReadCloser
	err := withRetries(ctx, func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key).String(), nil)
		if err != nil {
			return newError("range_get", key, KindPermanent, err)
		}
		request.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		c.signRequest(request, emptyPayloadHash)
		response, err := c.httpClient.Do(request)
		if err != nil {
			return newError("range_get", key, KindTransient, err)
		}
		if response.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			drainAndClose(response.Body)
			return newError("range_get", key, KindPreconditionFailed, fmt.Errorf("range %d-%d out of bounds", start, end))
		}
		// A 200 means the provider ignored the Range header and is
		// returning the whole object. Callers compare exact byte
		// windows, so that is a contract error, not a usable body.
		if response.StatusCode == http.StatusOK {
			drainAndClose(response.Body)
			return newError("range_get", key, KindPermanent, fmt.Errorf("provider ignored byte range %d-%d", start, end))
		}
		if response.StatusCode != http.StatusPartialContent {
			status := response.StatusCode
			drainAndClose(response.Body)
			return statusError("range_get", key, status)
		}
		body = response.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

// signRequest applies an AWS4-HMAC-SHA256 Authorization header covering the
// request headers and the provided payload hash.
func (c *s3Client) signRequest(req *http.Request, payloadHash string) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	accessKey := strings.TrimSpace(c.cfg.AccessKey)
	secretKey := strings.TrimSpace(c.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return
	}
	now := c.now()
	amzDate := now.Format(amzDateFormat)
	dateStamp := now.Format(amzDateStampFormat)
	req.Header.Set("x-amz-date", amzDate)
	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	scope := credentialScope(dateStamp, c.cfg.region())
	signature := c.sign(canonicalRequest, dateStamp, amzDate, scope)
	authorization := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, scope, signedHeaders, signature,
	)
	req.Header.Set("Authorization", authorization)
}

func (c *s3Client) sign(canonicalRequest, dateStamp, amzDate, scope string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signingKey := deriveSigningKey(strings.TrimSpace(c.cfg.SecretKey), dateStamp, c.cfg.region())
	return hmacSHA256Hex(signingKey, stringToSign)
}

const (
	amzDateFormat      = "20060102T150405Z"
	amzDateStampFormat = "20060102"
	unsignedPayload    = "UNSIGNED-PAYLOAD"
)

func credentialScope(dateStamp, region string) string {
	return strings.Join([]string{dateStamp, region, "s3", "aws4_request"}, "/")
}

func canonicalizeHeaders(req *http.Request) (string, string) {
	headerMap := make(map[string][]string)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headerMap[lower] = cleaned
	}
	if _, ok := headerMap["host"]; !ok && req.Host != "" {
		headerMap["host"] = []string{req.Host}
	}
	keys := make([]string, 0, len(headerMap))
	for key := range headerMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	signed := make([]string, 0, len(keys))
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteByte(':')
		builder.WriteString(strings.Join(headerMap[key], ","))
		builder.WriteByte('\n')
		signed = append(signed, key)
	}
	return builder.String(), strings.Join(signed, ";")
}

func canonicalURI(u *url.URL) string {
	if u == nil {
		return "/"
	}
	path := u.EscapedPath()
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func canonicalQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte('&')
		}
		sort.Strings(values[key])
		for vIdx, value := range values[key] {
			if vIdx > 0 {
				builder.WriteByte('&')
			}
			builder.WriteString(url.QueryEscape(key))
			builder.WriteByte('=')
			builder.WriteString(url.QueryEscape(value))
		}
	}
	return builder.String()
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

var emptyPayloadHash = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()
