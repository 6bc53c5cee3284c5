package upload

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"vidgate/internal/models"
	"vidgate/internal/objectstore"
)

const (
	// DefaultValidationParallelism bounds concurrent ranged reads per
	// completion.
	DefaultValidationParallelism = 5
	// DefaultValidationWall caps the total wall clock spent verifying one
	// video's checksums.
	DefaultValidationWall = 2 * time.Minute
)

// validator reads the finalized object back and compares digests against the
// client-declared ones.
type validator struct {
	objects     objectstore.Client
	parallelism int64
	wall        time.Duration
}

func newValidator(objects objectstore.Client, parallelism int, wall time.Duration) *validator {
	if parallelism <= 0 {
		parallelism = DefaultValidationParallelism
	}
	if wall <= 0 {
		wall = DefaultValidationWall
	}
	return &validator{objects: objects, parallelism: int64(parallelism), wall: wall}
}

// validate verifies whatever checksums the client declared. Multipart
// sessions verify each registered part via ranged GETs with bounded
// parallelism; single-PUT sessions stream the whole object when a source
// checksum was declared. No declarations means nothing to verify.
func (v *validator) validate(ctx context.Context, session models.UploadSession, video models.Video) error {
	if session.Multipart() {
		if len(session.PartChecksums) == 0 {
			return nil
		}
		return v.validateParts(ctx, session)
	}
	if video.SourceChecksum == "" {
		return nil
	}
	return v.validateWholeFile(ctx, session.ObjectKey, video.SourceSize, video.SourceChecksum)
}

func (v *validator) validateParts(ctx context.Context, session models.UploadSession) error {
	ctx, cancel := context.WithTimeout(ctx, v.wall)
	defer cancel()

	sem := semaphore.NewWeighted(v.parallelism)
	group, ctx := errgroup.WithContext(ctx)
	for _, declared := range session.PartChecksums {
		declared := declared
		group.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return v.verifyPart(ctx, session, declared)
		})
	}
	return group.Wait()
}

// verifyPart reads one part's byte range from the consolidated object and
// compares its SHA-256 against the declared digest. Parts are laid out at
// fixed offsets of part_size; only the last part may be shorter.
func (v *validator) verifyPart(ctx context.Context, session models.UploadSession, declared models.PartChecksum) error {
	offset := int64(declared.PartNumber-1) * session.PartSize
	end := offset + declared.Size - 1
	body, err := v.objects.RangeGet(ctx, session.ObjectKey, offset, end)
	if err != nil {
		return fmt.Errorf("read part %d: %w", declared.PartNumber, err)
	}
	defer body.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, body); err != nil {
		return fmt.Errorf("hash part %d: %w", declared.PartNumber, err)
	}
	actual := base64.StdEncoding.EncodeToString(digest.Sum(nil))
	if actual != declared.Checksum {
		return &ChecksumMismatchError{
			PartNumber:     declared.PartNumber,
			ExpectedPrefix: checksumPrefix(declared.Checksum),
			ActualPrefix:   checksumPrefix(actual),
		}
	}
	return nil
}

func (v *validator) validateWholeFile(ctx context.Context, key string, size int64, declared string) error {
	ctx, cancel := context.WithTimeout(ctx, v.wall)
	defer cancel()

	body, err := v.objects.RangeGet(ctx, key, 0, size-1)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	defer body.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, body); err != nil {
		return fmt.Errorf("hash source: %w", err)
	}
	actual := base64.StdEncoding.EncodeToString(digest.Sum(nil))
	if actual != declared {
		return &ChecksumMismatchError{
			PartNumber:     1,
			ExpectedPrefix: checksumPrefix(declared),
			ActualPrefix:   checksumPrefix(actual),
		}
	}
	return nil
}
