package service

import (
	"context"
	"strconv"

	"github.com/michaelansel/c3po/internal/blob"
	"github.com/michaelansel/c3po/internal/domain/model"
)

// BlobFetch is the fetch result: metadata always, content inline only
// when it fits the inline policy.
type BlobFetch struct {
	Metadata blob.Metadata `json:"metadata"`
	Content  string        `json:"content,omitempty"`
	Encoding string        `json:"encoding,omitempty"`
	Inline   bool          `json:"inline"`
}

// UploadBlob stores content in the side-channel and returns the handle
// to reference from messages.
func (b *Broker) UploadBlob(ctx context.Context, id Identity, content []byte, filename, mimeType string) (blob.Metadata, error) {
	if len(content) == 0 {
		return blob.Metadata{}, model.ErrInvalidRequest("content", "must not be empty")
	}
	if err := b.admit(ctx, "upload_blob", id); err != nil {
		return blob.Metadata{}, err
	}
	meta, err := b.blobs.Put(ctx, content, filename, mimeType, id.AgentID)
	if err != nil {
		return blob.Metadata{}, err
	}
	b.auditor.Log(ctx, "blob_upload", map[string]string{
		"blob_id":  meta.BlobID,
		"uploader": id.AgentID,
		"size":     strconv.Itoa(meta.Size),
	})
	return meta, nil
}

// FetchBlob returns metadata plus inline content when the blob is small
// enough: always under InlineThreshold, up to HardInlineCap when the
// caller opts in with inlineLarge. Anything bigger comes back metadata
// only and must go through the download endpoint.
func (b *Broker) FetchBlob(ctx context.Context, id Identity, blobID string, inlineLarge bool) (BlobFetch, error) {
	if blobID == "" {
		return BlobFetch{}, model.ErrInvalidRequest("blob_id", "must not be empty")
	}
	if err := b.admit(ctx, "fetch_blob", id); err != nil {
		return BlobFetch{}, err
	}

	limit := blob.InlineThreshold
	if inlineLarge {
		limit = blob.HardInlineCap
	}

	meta, err := b.blobs.GetMetadata(ctx, blobID)
	if err != nil {
		return BlobFetch{}, err
	}
	if meta.Size > limit {
		return BlobFetch{Metadata: meta, Inline: false}, nil
	}

	content, meta, err := b.blobs.Get(ctx, blobID)
	if err != nil {
		return BlobFetch{}, err
	}
	encoded, encoding := blob.InlineEncoding(content)
	return BlobFetch{
		Metadata: meta,
		Content:  encoded,
		Encoding: encoding,
		Inline:   true,
	}, nil
}

// DownloadBlob streams raw bytes regardless of size; the REST download
// endpoint is the only caller.
func (b *Broker) DownloadBlob(ctx context.Context, id Identity, blobID string) ([]byte, blob.Metadata, error) {
	if blobID == "" {
		return nil, blob.Metadata{}, model.ErrInvalidRequest("blob_id", "must not be empty")
	}
	if err := b.admit(ctx, "rest_blob_download", id); err != nil {
		return nil, blob.Metadata{}, err
	}
	return b.blobs.Get(ctx, blobID)
}
