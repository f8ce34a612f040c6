// Package blob is the side-channel for payloads too large for the 50 KB
// message cap: a thin put/get over a store hash with a 24 h TTL matching
// message expiry.
package blob

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/michaelansel/c3po/infra/store"
	"github.com/michaelansel/c3po/internal/domain/model"
)

const (
	// MaxBlobSize is the hard storage cap.
	MaxBlobSize = 5 * 1024 * 1024
	// TTL matches the message window: a blob referenced by a message
	// lives at least as long as the message does.
	TTL = 24 * time.Hour

	// InlineThreshold is the size under which fetch returns content
	// inline without being asked.
	InlineThreshold = 10 * 1024
	// HardInlineCap is the ceiling on inline returns even with
	// inline_large set.
	HardInlineCap = 100 * 1024
)

// Metadata describes a stored blob; content is stored alongside it.
type Metadata struct {
	BlobID    string    `json:"blob_id"`
	Filename  string    `json:"filename"`
	Size      int       `json:"size"`
	MimeType  string    `json:"mime_type"`
	Uploader  string    `json:"uploader"`
	CreatedAt time.Time `json:"created_at"`
}

// Storer is the blob surface consumed by the broker service.
type Storer interface {
	Put(ctx context.Context, content []byte, filename, mimeType, uploader string) (Metadata, error)
	Get(ctx context.Context, blobID string) ([]byte, Metadata, error)
	GetMetadata(ctx context.Context, blobID string) (Metadata, error)
}

var _ Storer = (*Store)(nil)

type Store struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) *Store {
	return &Store{store: s, logger: logger}
}

func newBlobID() string {
	return "blob-" + uuid.NewString()
}

func (b *Store) Put(ctx context.Context, content []byte, filename, mimeType, uploader string) (Metadata, error) {
	if len(content) > MaxBlobSize {
		return Metadata{}, model.ErrBlobTooLarge(len(content), MaxBlobSize)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	meta := Metadata{
		BlobID:    newBlobID(),
		Filename:  filename,
		Size:      len(content),
		MimeType:  mimeType,
		Uploader:  uploader,
		CreatedAt: time.Now().UTC(),
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return Metadata{}, err
	}

	key := store.BlobKey(meta.BlobID)
	err = b.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"content", base64.StdEncoding.EncodeToString(content),
			"metadata", string(metaData),
		)
		pipe.Expire(ctx, key, TTL)
		return nil
	})
	if err != nil {
		return Metadata{}, err
	}

	b.logger.Info("blob stored",
		"blob_id", meta.BlobID, "filename", filename, "size", meta.Size, "uploader", uploader)
	return meta, nil
}

func (b *Store) Get(ctx context.Context, blobID string) ([]byte, Metadata, error) {
	raw, err := b.store.HGetAll(ctx, store.BlobKey(blobID))
	if err != nil {
		return nil, Metadata{}, err
	}
	if len(raw) == 0 {
		return nil, Metadata{}, model.ErrBlobNotFound(blobID)
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw["metadata"]), &meta); err != nil {
		return nil, Metadata{}, model.ErrBlobNotFound(blobID)
	}
	content, err := base64.StdEncoding.DecodeString(raw["content"])
	if err != nil {
		return nil, Metadata{}, model.ErrBlobNotFound(blobID)
	}
	return content, meta, nil
}

func (b *Store) GetMetadata(ctx context.Context, blobID string) (Metadata, error) {
	data, err := b.store.HGet(ctx, store.BlobKey(blobID), "metadata")
	if errors.Is(err, store.ErrNotFound) {
		return Metadata{}, model.ErrBlobNotFound(blobID)
	}
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return Metadata{}, model.ErrBlobNotFound(blobID)
	}
	return meta, nil
}

// InlineEncoding picks the wire encoding for inline content: utf-8 when
// the bytes are valid text, base64 otherwise.
func InlineEncoding(content []byte) (string, string) {
	if utf8.Valid(content) {
		return string(content), "utf-8"
	}
	return base64.StdEncoding.EncodeToString(content), "base64"
}
