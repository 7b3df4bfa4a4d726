package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"pdfgen/internal/config"
	"pdfgen/internal/metrics"
)

const backendS3 = "s3"

// S3Storage stores artifacts in an S3 compatible bucket (AWS or MinIO).
type S3Storage struct {
	bucket string
	client *s3.Client

	bucketMu    sync.Mutex
	bucketReady bool
}

// NewS3Storage creates the client. Static credentials are used when both keys are
// configured, otherwise the AWS default credential chain applies.
func NewS3Storage(ctx context.Context, cfg config.S3) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	// endpoint and path-style addressing are required to work with local minio
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("s3 storage initialized")
	return &S3Storage{bucket: cfg.Bucket, client: client}, nil
}

func (s *S3Storage) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	err := s.upload(ctx, key, body, size)
	metrics.RecordStorageOperation(backendS3, "upload", err, time.Since(start).Seconds())
	return err
}

func (s *S3Storage) upload(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentTypePDF),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	log.Debug().Str("key", key).Int64("bytes", size).Msg("file uploaded")
	return nil
}

func (s *S3Storage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classify(err, "get object "+key)
	}
	metrics.RecordStorageOperation(backendS3, "download", err, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// Health performs a HeadBucket request.
func (s *S3Storage) Health(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	return nil
}

// ensureBucket creates the bucket before the first upload if it does not exist yet.
// A failed check is retried on the next upload.
func (s *S3Storage) ensureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketReady {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("head bucket %s: %w", s.bucket, err)
		}
		log.Info().Str("bucket", s.bucket).Msg("bucket missing, creating")
		if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	s.bucketReady = true
	return nil
}

func classify(err error, op string) error {
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}

var _ Gateway = (*S3Storage)(nil)
