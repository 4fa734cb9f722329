// Package blobstore wraps S3 access for uploaded blobs: presigned upload
// URLs and object existence checks.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// ObjectStore is the object storage contract consumed by the workflows.
type ObjectStore interface {
	// PresignUpload returns a presigned PUT URL for the blob, valid for ttl.
	PresignUpload(ctx context.Context, blobID string, ttl time.Duration) (string, error)

	// Exists reports whether the blob object has materialized in storage.
	Exists(ctx context.Context, blobID string) (bool, error)
}

// S3Store implements ObjectStore against a single S3 bucket where objects
// are keyed directly by blob ID.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

var _ ObjectStore = (*S3Store)(nil)

// NewS3Store creates an S3Store for the given bucket.
func NewS3Store(client *s3.Client, presigner *s3.PresignClient, bucket string) *S3Store {
	return &S3Store{client: client, presigner: presigner, bucket: bucket}
}

// PresignUpload creates a pre-signed PUT URL for a blob object.
func (s *S3Store) PresignUpload(ctx context.Context, blobID string, ttl time.Duration) (string, error) {
	result, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket, Key: &blobID,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign PutObject %s: %w", blobID, err)
	}

	log.Debug().
		Str("blobId", blobID).
		Dur("ttl", ttl).
		Msg("Presigned upload URL generated")
	return result.URL, nil
}

// Exists checks the blob object via HeadObject. A missing key is not an
// error: it simply means the client has not finished uploading.
func (s *S3Store) Exists(ctx context.Context, blobID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket, Key: &blobID,
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("HeadObject %s: %w", blobID, err)
	}
	return true, nil
}
