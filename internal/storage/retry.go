package storage

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"
	"github.com/minio/minio-go/v7"
)

// permanentCodes are S3 error codes that another attempt cannot fix.
var permanentCodes = map[string]struct{}{
	"AccessDenied":          {},
	"NoSuchBucket":          {},
	"InvalidAccessKeyId":    {},
	"SignatureDoesNotMatch": {},
	"InvalidBucketName":     {},
}

func (s *RenditionStore) retry(ctx context.Context, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.baseDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op(ctx)
		if err != nil && !transient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.attempts)))
	return err
}

// transient reports whether err is worth retrying later.
func transient(err error) bool {
	if err == nil {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		_, permanent := permanentCodes[resp.Code]
		return !permanent
	}
	return true
}
