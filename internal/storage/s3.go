package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mailhook/mailhook/internal/config"
)

// ObjectStore is the primary attachment backend. The reconciler and the save
// path share this interface; tests substitute it.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
}

// S3Store uploads attachments to an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds the S3 client from storage configuration. A custom
// endpoint plus path-style addressing covers MinIO and other compatibles.
func NewS3Store(cfg *config.StorageConfig) *S3Store {
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		UsePathStyle: cfg.UsePathStyle,
	}

	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}

	return &S3Store{
		client: s3.New(opts),
		bucket: cfg.Bucket,
	}
}

// Put uploads data under key and returns the object URL.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// ObjectKey builds the store key for an attachment: upload-millis plus the
// sanitized original name.
func ObjectKey(filename string, now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), filename)
}
