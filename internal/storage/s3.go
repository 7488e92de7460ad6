package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds S3-specific configuration.
type S3Config struct {
	Region    string
	Endpoint  string // For S3-compatible storage (MinIO, etc.)
	AccessKey string
	SecretKey string
}

// S3Storage reads and writes s3://bucket/key objects.
type S3Storage struct {
	client S3API
}

// NewS3Storage creates S3 storage from the default AWS credential chain,
// or from static credentials when both keys are set.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	// Use explicit credentials if provided
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return NewS3StorageWithClient(s3.NewFromConfig(awsCfg, s3Opts...)), nil
}

// NewS3StorageWithClient wraps an existing client.
func NewS3StorageWithClient(client S3API) *S3Storage {
	return &S3Storage{client: client}
}

// Open implements Storage.
func (s *S3Storage) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, ok, err := ParseS3URI(location)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an s3 location", ErrInvalidURI, location)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", location, err)
	}
	return out.Body, nil
}

// Create implements Storage. The object is buffered in memory and uploaded
// on Close.
func (s *S3Storage) Create(ctx context.Context, location string) (io.WriteCloser, error) {
	bucket, key, ok, err := ParseS3URI(location)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an s3 location", ErrInvalidURI, location)
	}
	return &s3Writer{ctx: ctx, client: s.client, bucket: bucket, key: key}, nil
}

type s3Writer struct {
	ctx    context.Context
	client S3API
	bucket string
	key    string
	buf    bytes.Buffer
	closed bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed object s3://%s/%s", w.bucket, w.key)
	}
	return w.buf.Write(p)
}

func (w *s3Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	size := int64(w.buf.Len())
	_, err := w.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.bucket),
		Key:           aws.String(w.key),
		Body:          bytes.NewReader(w.buf.Bytes()),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", w.bucket, w.key, err)
	}

	slog.Info("object uploaded to s3", "bucket", w.bucket, "key", w.key, "size", size)
	return nil
}
