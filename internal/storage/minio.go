package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig locates the bucket backing media index collections.
type MinIOConfig struct {
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key" json:"-"`
	UseSSL          bool          `yaml:"use_ssl" json:"use_ssl"`
	Bucket          string        `yaml:"bucket" json:"bucket"`
	Region          string        `yaml:"region" json:"region"`
	MaxUploads      int           `yaml:"max_uploads" json:"max_uploads"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

func (c MinIOConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

func (c MinIOConfig) withDefaults() MinIOConfig {
	if c.MaxUploads <= 0 {
		c.MaxUploads = 4
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// MinIOStore is an ObjectStore on an S3-compatible bucket.
type MinIOStore struct {
	client *minio.Client
	cfg    MinIOConfig
	logger *zap.Logger
	slots  chan struct{}
}

var _ ObjectStore = (*MinIOStore)(nil)

// NewMinIOStore connects and makes sure the bucket exists.
func NewMinIOStore(cfg MinIOConfig, logger *zap.Logger) (*MinIOStore, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.L()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	s := &MinIOStore{
		client: client,
		cfg:    cfg,
		logger: logger.Named("minio"),
		slots:  make(chan struct{}, cfg.MaxUploads),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.cfg.Bucket, err)
	}
	s.logger.Info("Created capture bucket", zap.String("bucket", s.cfg.Bucket))
	return nil
}

// acquire blocks until one of MaxUploads upload slots is free.
func (s *MinIOStore) acquire(ctx context.Context) (func(), error) {
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MinIOStore) retryPolicy(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	if s.cfg.RetryBackoff > 0 {
		eb.InitialInterval = s.cfg.RetryBackoff
	}
	var b backoff.BackOff = eb
	if s.cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(eb, uint64(s.cfg.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Put uploads reader under key. Failed attempts are retried with exponential
// backoff when reader can be rewound; client errors are not retried.
func (s *MinIOStore) Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error {
	o := collectPutOptions(opts)
	if o.ContentType == "" {
		o.ContentType = "application/octet-stream"
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	defer release()

	seeker, _ := reader.(io.Seeker)
	first := true
	upload := func() error {
		if !first {
			if seeker == nil {
				return backoff.Permanent(errors.New("upload body cannot be rewound"))
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to rewind upload body: %w", err))
			}
		}
		first = false

		info, err := s.client.PutObject(ctx, s.cfg.Bucket, key, reader, size, minio.PutObjectOptions{
			ContentType:  o.ContentType,
			UserMetadata: o.Metadata,
		})
		if err != nil {
			if code := statusFromMinio(err); code >= 400 && code < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		s.logger.Debug("Uploaded capture",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}
	onRetry := func(err error, wait time.Duration) {
		s.logger.Warn("Upload failed, retrying",
			zap.String("key", key),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(upload, s.retryPolicy(ctx), onRetry); err != nil {
		code := statusFromMinio(err)
		return &StorageError{Op: "put", Key: key, Err: err, StatusCode: code, Retryable: code >= 500}
	}
	return nil
}

// PutFile uploads the file at filePath under key.
func (s *MinIOStore) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	f, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return s.Put(ctx, key, f, st.Size(), opts...)
}

func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err, StatusCode: statusFromMinio(err)}
	}
	return nil
}

// HealthCheck fails when the bucket is unreachable or gone.
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	switch {
	case err != nil:
		return &StorageError{Op: "health", Err: err, StatusCode: statusFromMinio(err), Retryable: true}
	case !exists:
		return &StorageError{Op: "health", Err: fmt.Errorf("bucket %s missing", s.cfg.Bucket), StatusCode: http.StatusNotFound}
	}
	return nil
}

func statusFromMinio(err error) int {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode != 0 {
		return resp.StatusCode
	}
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return http.StatusNotFound
	case "AccessDenied":
		return http.StatusForbidden
	case "InvalidArgument":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
