package objectstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// ErrorKind classifies provider failures into the small taxonomy the
// orchestrator acts on. Throttled and Transient are retriable; everything
// else surfaces immediately.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindPreconditionFailed ErrorKind = "precondition_failed"
	KindThrottled          ErrorKind = "throttled"
	KindTransient          ErrorKind = "transient"
	KindPermanent          ErrorKind = "permanent"
)

// Error wraps a provider failure with its taxonomy kind and the operation
// that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retriable reports whether the failure may succeed on retry.
func (e *Error) Retriable() bool {
	return e.Kind == KindThrottled || e.Kind == KindTransient
}

// IsNotFound reports whether err is an object-store miss.
func IsNotFound(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == KindNotFound
}

// IsRetriable reports whether err is a throttled or transient failure.
func IsRetriable(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Retriable()
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusPreconditionFailed:
		return KindPreconditionFailed
	case status == http.StatusTooManyRequests:
		return KindThrottled
	case status == http.StatusServiceUnavailable:
		// Providers signal SlowDown with 503.
		return KindThrottled
	case status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

func newError(op, key string, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

func statusError(op, key string, status int) *Error {
	return newError(op, key, classifyStatus(status), fmt.Errorf("unexpected status %d", status))
}

const (
	maxRetries       = 3
	retryBackoffBase = 50 * time.Millisecond
)

// withRetries invokes fn up to maxRetries+1 times, backing off 50ms*2^n with
// jitter between retriable failures. Context cancellation aborts the wait.
func withRetries(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsRetriable(err) || attempt >= maxRetries {
			return err
		}
		backoff := retryBackoffBase << uint(attempt)
		backoff += time.Duration(rand.Int63n(int64(retryBackoffBase)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}
