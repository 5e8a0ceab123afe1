package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3ObjectStore stores export artifacts in an S3 bucket.
type S3ObjectStore struct {
	client *s3.Client
	bucket string
}

// NewS3ObjectStore builds an S3-backed object store using the ambient AWS
// configuration (environment, shared credentials, instance role).
func NewS3ObjectStore(ctx context.Context, bucket string) (*S3ObjectStore, error) {
	if bucket == "" {
		return nil, errors.New("audit: export bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load AWS config: %w", err)
	}
	return &S3ObjectStore{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Put uploads the artifact and returns its s3:// location.
func (s *S3ObjectStore) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("audit: upload artifact: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// FSObjectStore stores export artifacts on the local filesystem. It exists
// for deployments without object storage, development mostly.
type FSObjectStore struct {
	base string
}

// NewFSObjectStore roots the store at dir.
func NewFSObjectStore(dir string) *FSObjectStore {
	return &FSObjectStore{base: dir}
}

// Put writes the artifact under the base directory and returns its path.
func (s *FSObjectStore) Put(_ context.Context, key, _ string, body []byte) (string, error) {
	path := filepath.Join(s.base, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("audit: store artifact: %w", err)
	}
	if err := os.WriteFile(path, body, 0o640); err != nil {
		return "", fmt.Errorf("audit: store artifact: %w", err)
	}
	return path, nil
}
