package service

import (
	"context"
	"strconv"

	"github.com/michaelansel/c3po/internal/audit"
	"github.com/michaelansel/c3po/internal/domain/model"
)

// requireAdmin gates the key-management and purge surface. Dev mode (no
// secrets configured) counts as admin so local setups stay usable.
func (b *Broker) requireAdmin(ctx context.Context, id Identity, operation string) error {
	if id.Auth.Admin() {
		return nil
	}
	b.auditor.Log(ctx, "authorization_denied", map[string]string{
		"operation": operation,
		"source":    string(id.Auth.Source),
		"key_id":    id.Auth.KeyID,
	})
	return model.ErrForbidden(operation)
}

// CreateKey mints an agent API key scoped to agentPattern. The composite
// token is returned exactly once.
func (b *Broker) CreateKey(ctx context.Context, id Identity, agentPattern, description string) (string, model.APIKey, error) {
	if err := b.requireAdmin(ctx, id, "create_key"); err != nil {
		return "", model.APIKey{}, err
	}
	token, record, err := b.keys.CreateKey(ctx, agentPattern, description)
	if err != nil {
		return "", model.APIKey{}, err
	}
	b.auditor.Log(ctx, "admin_key_create", map[string]string{
		"key_id":  record.KeyID,
		"pattern": record.AgentPattern,
	})
	return token, record, nil
}

func (b *Broker) RevokeKey(ctx context.Context, id Identity, keyID string) (bool, error) {
	if err := b.requireAdmin(ctx, id, "revoke_key"); err != nil {
		return false, err
	}
	revoked, err := b.keys.RevokeKey(ctx, keyID)
	if err != nil {
		return false, err
	}
	if revoked {
		b.auditor.Log(ctx, "admin_key_revoke", map[string]string{"key_id": keyID})
	}
	return revoked, nil
}

func (b *Broker) ListKeys(ctx context.Context, id Identity) ([]model.APIKey, error) {
	if err := b.requireAdmin(ctx, id, "list_keys"); err != nil {
		return nil, err
	}
	return b.keys.ListKeys(ctx)
}

// PurgeAgents removes every agent matching the glob pattern, optionally
// deleting their queue keys with them.
func (b *Broker) PurgeAgents(ctx context.Context, id Identity, pattern string, cleanupKeys bool) ([]string, error) {
	if err := b.requireAdmin(ctx, id, "purge_agents"); err != nil {
		return nil, err
	}
	if pattern == "" {
		return nil, model.ErrInvalidRequest("pattern", "must not be empty")
	}
	removed, err := b.registry.RemoveByPattern(ctx, pattern, cleanupKeys)
	if err != nil {
		return nil, err
	}
	b.auditor.Log(ctx, "admin_purge", map[string]string{
		"pattern": pattern,
		"removed": strconv.Itoa(len(removed)),
	})
	return removed, nil
}

// AuditRecent returns the newest audit entries, optionally filtered by
// event name.
func (b *Broker) AuditRecent(ctx context.Context, id Identity, limit int, eventFilter string) ([]audit.Entry, error) {
	if err := b.requireAdmin(ctx, id, "audit_recent"); err != nil {
		return nil, err
	}
	return b.auditor.Recent(ctx, limit, eventFilter)
}
