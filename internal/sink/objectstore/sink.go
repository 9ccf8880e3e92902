// Package objectstore implements a sink that uploads export archives to an
// S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seantiz/batchbridge/internal/model"
	"github.com/seantiz/batchbridge/internal/sink"
)

const contentType = "application/zip"

// Config holds the connection settings for the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Client is the subset of *minio.Client the sink uses.
type Client interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Compile-time interface satisfaction checks.
var (
	_ sink.Sink = (*Sink)(nil)
	_ Client    = (*minio.Client)(nil)
)

// Sink uploads each export to <bucket>/<prefix>/<job id>/export.zip.
type Sink struct {
	client Client
	bucket string
	prefix string
	region string

	bucketMu sync.Mutex
	ensured  bool
}

// New connects to the endpoint in cfg.
func New(cfg Config) (*Sink, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("objectstore sink: endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Region: cfg.Region,
		Secure: cfg.UseSSL,
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return NewWithClient(client, cfg)
}

// NewWithClient builds a sink on an existing client.
func NewWithClient(client Client, cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("objectstore sink: bucket is required")
	}
	return &Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		region: cfg.Region,
	}, nil
}

// Key returns the object key a write for target lands under.
func (s *Sink) Key(target sink.Target) string {
	return path.Join(s.prefix, target.JobID, sink.FileName)
}

// EnsureBucket creates the bucket if it does not exist. Only success is
// remembered; a failed check is retried on the next call.
func (s *Sink) EnsureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.ensured {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	s.ensured = true
	return nil
}

// Write streams content to the bucket without knowing its length up front.
func (s *Sink) Write(ctx context.Context, target sink.Target, content io.Reader) (sink.Result, error) {
	if target.JobID == "" {
		return sink.Result{}, errors.New("objectstore sink: target has no job id")
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return sink.Result{}, err
	}

	key := s.Key(target)
	info, err := s.client.PutObject(ctx, s.bucket, key, sink.ContextReader(ctx, content), -1,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return sink.Result{}, fmt.Errorf("put %s/%s: %w", s.bucket, key, err)
	}

	return sink.Result{
		Location: "s3://" + s.bucket + "/" + key,
		Bytes:    info.Size,
	}, nil
}

// Capabilities reports the bucket and prefix the sink writes under.
func (s *Sink) Capabilities() sink.Capabilities {
	root := s.bucket
	if s.prefix != "" {
		root += "/" + s.prefix
	}
	return sink.Capabilities{
		Name:      model.SinkObjectStore,
		Root:      root,
		Streaming: true,
	}
}
