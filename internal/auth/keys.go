package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/michaelansel/c3po/infra/store"
	"github.com/michaelansel/c3po/internal/domain/model"
)

func randomToken(bytes int) string {
	buf := make([]byte, bytes)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// CreateKey mints a new agent API key. The returned composite token
// ("<server_secret>.<secret>") is the only time the secret leaves the
// process; storage keeps the sha256 fingerprint for lookup and the bcrypt
// verifier for authority.
func (m *Manager) CreateKey(ctx context.Context, agentPattern, description string) (string, model.APIKey, error) {
	if agentPattern == "" {
		agentPattern = "*"
	}

	secret := randomToken(32)
	verifier, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", model.APIKey{}, err
	}

	now := time.Now().UTC()
	record := model.APIKey{
		KeyID:        randomToken(8),
		AgentPattern: agentPattern,
		Description:  description,
		CreatedAt:    now,
		LastUsed:     now,
		Verifier:     string(verifier),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", model.APIKey{}, err
	}

	fp := fingerprint(secret)
	// Both indices land in one group so a concurrent revoke-by-id can
	// never observe a fingerprint without its id mapping.
	err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, store.APIKeysKey, fp, string(data))
		pipe.HSet(ctx, store.KeyIDsKey, record.KeyID, fp)
		return nil
	})
	if err != nil {
		return "", model.APIKey{}, err
	}

	m.logger.Info("api key created", "key_id", record.KeyID, "pattern", agentPattern)
	return m.serverSecret + "." + secret, record.Redacted(), nil
}

// RevokeKey removes both indices and evicts any cached verification.
func (m *Manager) RevokeKey(ctx context.Context, keyID string) (bool, error) {
	fp, err := m.store.HGet(ctx, store.KeyIDsKey, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	err = m.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, store.APIKeysKey, fp)
		pipe.HDel(ctx, store.KeyIDsKey, keyID)
		return nil
	})
	if err != nil {
		return false, err
	}
	m.cache.Remove(fp)

	m.logger.Info("api key revoked", "key_id", keyID)
	return true, nil
}

// ListKeys returns metadata only; verifiers and secrets never leave.
func (m *Manager) ListKeys(ctx context.Context) ([]model.APIKey, error) {
	raw, err := m.store.HGetAll(ctx, store.APIKeysKey)
	if err != nil {
		return nil, err
	}
	keys := make([]model.APIKey, 0, len(raw))
	for _, data := range raw {
		var record model.APIKey
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			continue
		}
		keys = append(keys, record.Redacted())
	}
	return keys, nil
}
