package blob

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelansel/c3po/infra/store"
	"github.com/michaelansel/c3po/internal/domain/model"
)

func newTestBlobs(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(store.New(client), slog.Default())
}

func TestPutGetRoundTrip(t *testing.T) {
	b := newTestBlobs(t)
	ctx := context.Background()

	content := []byte{0x00, 0x01, 0xff, 0xfe}
	meta, err := b.Put(ctx, content, "dump.bin", "application/octet-stream", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, meta.BlobID)
	assert.Equal(t, len(content), meta.Size)
	assert.Equal(t, "alice", meta.Uploader)

	got, gotMeta, err := b.Get(ctx, meta.BlobID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, meta.BlobID, gotMeta.BlobID)
	assert.Equal(t, "dump.bin", gotMeta.Filename)
}

func TestPutDefaultsMimeType(t *testing.T) {
	b := newTestBlobs(t)

	meta, err := b.Put(context.Background(), []byte("x"), "f", "", "alice")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", meta.MimeType)
}

func TestPutRejectsOversize(t *testing.T) {
	b := newTestBlobs(t)

	_, err := b.Put(context.Background(), make([]byte, MaxBlobSize+1), "big", "", "alice")
	require.Error(t, err)
	assert.Equal(t, model.CodeBlobTooLarge, model.AsError(err).Code)
}

func TestGetMissingBlob(t *testing.T) {
	b := newTestBlobs(t)

	_, _, err := b.Get(context.Background(), "blob-missing")
	require.Error(t, err)
	assert.Equal(t, model.CodeBlobNotFound, model.AsError(err).Code)

	_, err = b.GetMetadata(context.Background(), "blob-missing")
	require.Error(t, err)
	assert.Equal(t, model.CodeBlobNotFound, model.AsError(err).Code)
}

func TestGetMetadataSurfacesStoreOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := New(store.New(client), slog.Default())
	mr.Close()

	// An unreachable store is not a missing blob.
	_, err := b.GetMetadata(context.Background(), "blob-any")
	require.Error(t, err)
	assert.Equal(t, model.CodeCoordinatorUnavailable, model.AsError(err).Code)
}

func TestGetMetadataOnly(t *testing.T) {
	b := newTestBlobs(t)
	ctx := context.Background()

	meta, err := b.Put(ctx, []byte("hello"), "hi.txt", "text/plain", "alice")
	require.NoError(t, err)

	got, err := b.GetMetadata(ctx, meta.BlobID)
	require.NoError(t, err)
	assert.Equal(t, meta.Size, got.Size)
	assert.Equal(t, "text/plain", got.MimeType)
}

func TestInlineEncoding(t *testing.T) {
	text, enc := InlineEncoding([]byte("plain text"))
	assert.Equal(t, "plain text", text)
	assert.Equal(t, "utf-8", enc)

	_, enc = InlineEncoding([]byte{0xff, 0xfe, 0x00})
	assert.Equal(t, "base64", enc)
}
