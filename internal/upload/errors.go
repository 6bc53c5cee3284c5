package upload

import (
	"errors"
	"fmt"

	"vidgate/internal/models"
)

// ValidationError reports malformed client input. Handlers map it to 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a client input error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SizeLimitError reports a declared size above the configured ceiling.
// Handlers map it to 413.
type SizeLimitError struct {
	Size int64
	Max  int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("declared size %d exceeds limit %d", e.Size, e.Max)
}

// IsSizeLimit reports whether err is a file size rejection.
func IsSizeLimit(err error) bool {
	var se *SizeLimitError
	return errors.As(err, &se)
}

// PartsLimitError reports a multipart plan that would exceed the provider's
// part ceiling.
type PartsLimitError struct {
	Parts int
	Max   int
}

func (e *PartsLimitError) Error() string {
	return fmt.Sprintf("upload requires %d parts, limit is %d", e.Parts, e.Max)
}

// IsPartsLimit reports whether err is a parts ceiling rejection.
func IsPartsLimit(err error) bool {
	var pe *PartsLimitError
	return errors.As(err, &pe)
}

// StateError reports an operation attempted against a video outside the
// status the operation requires.
type StateError struct {
	VideoID string
	Current models.VideoStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("video %s is %s", e.VideoID, e.Current)
}

// IsState reports whether err is a lifecycle state rejection.
func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// ChecksumMismatchError reports a part whose read-back digest disagrees with
// the client-declared one. Prefixes are truncated so responses stay short.
type ChecksumMismatchError struct {
	PartNumber     int
	ExpectedPrefix string
	ActualPrefix   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("part %d checksum mismatch: expected %s, got %s", e.PartNumber, e.ExpectedPrefix, e.ActualPrefix)
}

// IsChecksumMismatch reports whether err is a checksum verification failure.
func IsChecksumMismatch(err error) bool {
	var ce *ChecksumMismatchError
	return errors.As(err, &ce)
}

const checksumPrefixLen = 12

func checksumPrefix(value string) string {
	if len(value) <= checksumPrefixLen {
		return value
	}
	return value[:checksumPrefixLen]
}
