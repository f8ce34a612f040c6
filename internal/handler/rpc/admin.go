package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/michaelansel/c3po/internal/domain/model"
)

func (h *Handler) uploadBlob(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		Filename string `json:"filename"`
		MimeType string `json:"mime_type"`
	}](params)
	if err != nil {
		return nil, err
	}

	var content []byte
	switch p.Encoding {
	case "", "utf-8":
		content = []byte(p.Content)
	case "base64":
		content, err = base64.StdEncoding.DecodeString(p.Content)
		if err != nil {
			return nil, model.ErrInvalidRequest("content", "not valid base64")
		}
	default:
		return nil, model.ErrInvalidRequest("encoding", "must be 'utf-8' or 'base64'")
	}
	return h.broker.UploadBlob(ctx, id.Identity, content, p.Filename, p.MimeType)
}

func (h *Handler) fetchBlob(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		BlobID      string `json:"blob_id"`
		InlineLarge bool   `json:"inline_large"`
	}](params)
	if err != nil {
		return nil, err
	}
	return h.broker.FetchBlob(ctx, id.Identity, p.BlobID, p.InlineLarge)
}

func (h *Handler) createKey(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		AgentPattern string `json:"agent_pattern"`
		Description  string `json:"description"`
	}](params)
	if err != nil {
		return nil, err
	}
	token, record, err := h.broker.CreateKey(ctx, id.Identity, p.AgentPattern, p.Description)
	if err != nil {
		return nil, err
	}
	return map[string]any{"token": token, "key": record}, nil
}

func (h *Handler) revokeKey(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		KeyID string `json:"key_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	revoked, err := h.broker.RevokeKey(ctx, id.Identity, p.KeyID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"revoked": revoked}, nil
}

func (h *Handler) listKeys(ctx context.Context, id caller, _ json.RawMessage) (any, error) {
	return h.broker.ListKeys(ctx, id.Identity)
}

func (h *Handler) purgeAgents(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Pattern     string `json:"pattern"`
		CleanupKeys bool   `json:"cleanup_keys"`
	}](params)
	if err != nil {
		return nil, err
	}
	removed, err := h.broker.PurgeAgents(ctx, id.Identity, p.Pattern, p.CleanupKeys)
	if err != nil {
		return nil, err
	}
	return map[string]any{"removed": removed}, nil
}

func (h *Handler) auditRecent(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Limit int    `json:"limit"`
		Event string `json:"event"`
	}](params)
	if err != nil {
		return nil, err
	}
	return h.broker.AuditRecent(ctx, id.Identity, p.Limit, p.Event)
}
