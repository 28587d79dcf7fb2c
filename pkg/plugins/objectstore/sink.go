// Package objectstore provides a sink that stores each write as a
// content-addressed JSON Lines object in S3-compatible storage.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/aescanero/rowflow/pkg/canonical"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/plugins/builtin"
	"github.com/aescanero/rowflow/pkg/ports"
)

// Config locates the object store.
type Config struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("object store endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("object store credentials are required")
	}
	return nil
}

// NewMinIOClient builds a client for cfg.
func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// EnsureBucket creates bucket if it does not exist.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket %s exists: %w", bucket, err)
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Putter is the part of *minio.Client the sink uses.
type Putter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// SinkOptions configures an object store sink.
type SinkOptions struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// Sink writes each batch of rows to <prefix>/<run>/<node>/<sha256>.jsonl.
// Identical content lands on the same key, so a replayed write after a
// resume overwrites its earlier copy instead of duplicating it.
type Sink struct {
	client Putter
	opts   SinkOptions
}

func NewSink(client Putter, opts SinkOptions) (*Sink, error) {
	if client == nil {
		return nil, errors.New("object store sink: client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("object store sink: bucket is required")
	}
	return &Sink{client: client, opts: opts}, nil
}

func (s *Sink) Name() string { return "objectstore_sink" }

func (s *Sink) Metadata() ports.PluginMetadata {
	return ports.PluginMetadata{Determinism: ports.Deterministic}
}

func (s *Sink) Write(ctx context.Context, rows []domain.Row, pctx ports.PluginContext) (domain.ArtifactDescriptor, error) {
	data, err := builtin.EncodeLines(rows)
	if err != nil {
		return domain.ArtifactDescriptor{}, fmt.Errorf("object store sink: %w", err)
	}
	hash := canonical.HashBytes(data)
	key := path.Join(s.opts.Prefix, pctx.RunID, pctx.NodeName, hash+".jsonl")

	info, err := s.client.PutObject(ctx, s.opts.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
		UserMetadata: map[string]string{
			"rowflow-run-id":       pctx.RunID,
			"rowflow-content-hash": hash,
		},
	})
	if err != nil {
		return domain.ArtifactDescriptor{}, fmt.Errorf("object store sink: put %s/%s: %w", s.opts.Bucket, key, err)
	}

	return domain.ArtifactDescriptor{
		ArtifactType: "object",
		PathOrURI:    fmt.Sprintf("s3://%s/%s", s.opts.Bucket, key),
		ContentHash:  hash,
		SizeBytes:    int64(len(data)),
		Metadata:     map[string]any{"rows": len(rows), "etag": info.ETag},
	}, nil
}

func (s *Sink) Close(ctx context.Context) error { return nil }
