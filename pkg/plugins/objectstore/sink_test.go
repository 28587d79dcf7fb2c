package objectstore

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/rowflow/pkg/canonical"
	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/ports"
)

type fakePutter struct {
	objects map[string][]byte
	err     error
}

func (f *fakePutter) PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[bucket+"/"+object] = data
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size, ETag: "etag"}, nil
}

func TestSink_ContentAddressedKeys(t *testing.T) {
	putter := &fakePutter{}
	sink, err := NewSink(putter, SinkOptions{Bucket: "out", Prefix: "exports"})
	require.NoError(t, err)

	pctx := ports.PluginContext{RunID: "run-1", NodeName: "archive"}
	rows := []domain.Row{{"id": 1}, {"id": 2}}
	desc, err := sink.Write(context.Background(), rows, pctx)
	require.NoError(t, err)

	body := []byte("{\"id\":1}\n{\"id\":2}\n")
	hash := canonical.HashBytes(body)
	assert.Equal(t, "s3://out/exports/run-1/archive/"+hash+".jsonl", desc.PathOrURI)
	assert.Equal(t, hash, desc.ContentHash)
	assert.Equal(t, int64(len(body)), desc.SizeBytes)
	assert.Equal(t, body, putter.objects["out/exports/run-1/archive/"+hash+".jsonl"])

	_, err = sink.Write(context.Background(), rows, pctx)
	require.NoError(t, err)
	assert.Len(t, putter.objects, 1)
}

func TestSink_PutError(t *testing.T) {
	sink, err := NewSink(&fakePutter{err: errors.New("denied")}, SinkOptions{Bucket: "out"})
	require.NoError(t, err)
	_, err = sink.Write(context.Background(), []domain.Row{{"id": 1}}, ports.PluginContext{})
	assert.ErrorContains(t, err, "denied")
}

func TestNewSink_Validation(t *testing.T) {
	_, err := NewSink(nil, SinkOptions{Bucket: "b"})
	assert.Error(t, err)
	_, err = NewSink(&fakePutter{}, SinkOptions{})
	assert.Error(t, err)
	assert.Error(t, Config{Endpoint: "localhost:9000"}.Validate())
}

func TestSink_MinIO(t *testing.T) {
	endpoint := os.Getenv("ROWFLOW_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("ROWFLOW_TEST_S3_ENDPOINT not set")
	}
	cfg := Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("ROWFLOW_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("ROWFLOW_TEST_S3_SECRET_KEY"),
	}
	client, err := NewMinIOClient(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	bucket := "rowflow-test"
	require.NoError(t, EnsureBucket(ctx, client, bucket, ""))

	sink, err := NewSink(client, SinkOptions{Bucket: bucket, Prefix: uuid.NewString()})
	require.NoError(t, err)
	desc, err := sink.Write(ctx, []domain.Row{{"id": 1}}, ports.PluginContext{RunID: "r", NodeName: "n"})
	require.NoError(t, err)
	assert.Equal(t, "object", desc.ArtifactType)
}
