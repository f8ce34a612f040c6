// Package auth validates bearer credentials across three roles (agent API
// key, proxy token, admin key) and enforces per-key identity patterns.
//
// Agent/admin tokens have the shape "<server_secret>.<key>". The server
// secret is a fixed shared value also checked by the front proxy; the
// trailing key is either the admin key or a per-agent API key looked up by
// fingerprint and verified against a bcrypt verifier. Successful slow
// verifications are cached for five minutes; failures never are.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	"github.com/michaelansel/c3po/config"
	"github.com/michaelansel/c3po/infra/store"
	"github.com/michaelansel/c3po/internal/domain/model"
)

const (
	cacheSize = 1024
	cacheTTL  = 5 * time.Minute
)

// Path prefixes selecting the validation mode. The front proxy sets the
// Auth-Path header; anything unrecognized falls back to proxy mode.
const (
	PathAgent  = "/agent"
	PathAdmin  = "/admin"
	PathPublic = "/public"
	PathOAuth  = "/oauth"
)

// Auther is the credential surface consumed by the dispatcher.
type Auther interface {
	Validate(ctx context.Context, authorization, pathPrefix string) model.AuthResult
	Authorize(result model.AuthResult, agentID string) bool
}

// KeyAdmin is the admin-only key management surface.
type KeyAdmin interface {
	CreateKey(ctx context.Context, agentPattern, description string) (string, model.APIKey, error)
	RevokeKey(ctx context.Context, keyID string) (bool, error)
	ListKeys(ctx context.Context) ([]model.APIKey, error)
}

var (
	_ Auther   = (*Manager)(nil)
	_ KeyAdmin = (*Manager)(nil)
)

type Manager struct {
	store  *store.Store
	logger *slog.Logger

	serverSecret string
	adminKey     string
	proxyToken   string
	devMode      bool

	// cache holds fingerprints whose bcrypt verification succeeded,
	// mapped to the key record seen at verification time. Positive-only.
	cache *expirable.LRU[string, model.APIKey]
}

func NewManager(cfg *config.Config, s *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:        s,
		logger:       logger,
		serverSecret: cfg.Auth.ServerSecret,
		adminKey:     cfg.Auth.AdminKey,
		proxyToken:   cfg.Auth.ProxyToken,
		devMode:      cfg.DevMode(),
		cache:        expirable.NewLRU[string, model.APIKey](cacheSize, nil, cacheTTL),
	}
}

// fingerprint is the fast lookup index for a secret. It is an index key,
// not a verifier; only bcrypt is authoritative.
func fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func equalConstTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// parseBearer splits "Bearer <server_secret>.<key>" into its two layers.
func parseBearer(authorization string) (serverSecret, key string, err error) {
	token, err := bearerToken(authorization)
	if err != nil {
		return "", "", err
	}
	dot := strings.Index(token, ".")
	if dot < 0 {
		return "", "", errors.New("invalid token format, expected: <server_secret>.<api_key>")
	}
	serverSecret, key = token[:dot], token[dot+1:]
	if serverSecret == "" || key == "" {
		return "", "", errors.New("both server_secret and api_key must be non-empty")
	}
	return serverSecret, key, nil
}

func bearerToken(authorization string) (string, error) {
	if authorization == "" {
		return "", errors.New("missing Authorization header")
	}
	fields := strings.Fields(authorization)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "bearer") {
		return "", errors.New("invalid Authorization format, expected: Bearer <token>")
	}
	return fields[1], nil
}

// Validate checks a credential under the mode selected by pathPrefix.
func (m *Manager) Validate(ctx context.Context, authorization, pathPrefix string) model.AuthResult {
	if m.devMode {
		return model.AuthResult{Valid: true, Source: model.SourceNoAuth, AgentPattern: "*"}
	}

	switch pathPrefix {
	case PathPublic:
		return model.AuthResult{Valid: true, Source: model.SourcePublic}
	case PathAdmin:
		return m.validateAdmin(authorization)
	case PathAgent:
		return m.validateAgent(ctx, authorization)
	default:
		return m.validateProxy(authorization)
	}
}

func (m *Manager) validateAdmin(authorization string) model.AuthResult {
	serverSecret, key, err := parseBearer(authorization)
	if err != nil {
		return invalid(err.Error())
	}
	if !m.secretOK(serverSecret) {
		m.logger.Warn("auth failed", "reason", "invalid_server_secret", "mode", "admin")
		return invalid("invalid server secret")
	}
	if m.adminKey == "" || !equalConstTime(key, m.adminKey) {
		m.logger.Warn("auth failed", "reason", "invalid_admin_key")
		return invalid("invalid admin key")
	}
	return model.AuthResult{
		Valid:        true,
		Source:       model.SourceAdmin,
		KeyID:        "admin",
		AgentPattern: "*",
	}
}

func (m *Manager) validateAgent(ctx context.Context, authorization string) model.AuthResult {
	serverSecret, key, err := parseBearer(authorization)
	if err != nil {
		return invalid(err.Error())
	}
	if !m.secretOK(serverSecret) {
		m.logger.Warn("auth failed", "reason", "invalid_server_secret", "mode", "agent")
		return invalid("invalid server secret")
	}

	fp := fingerprint(key)
	if record, hit := m.cache.Get(fp); hit {
		return keyResult(record)
	}

	data, err := m.store.HGet(ctx, store.APIKeysKey, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("auth failed", "reason", "unknown_api_key")
			return invalid("invalid API key")
		}
		return invalid("credential store unavailable")
	}
	var record model.APIKey
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return invalid("corrupt key record")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(record.Verifier), []byte(key)); err != nil {
		m.logger.Warn("auth failed", "reason", "verifier_mismatch", "key_id", record.KeyID)
		return invalid("invalid API key")
	}

	m.cache.Add(fp, record)
	m.touchLastUsed(ctx, fp, record)
	return keyResult(record)
}

func (m *Manager) validateProxy(authorization string) model.AuthResult {
	token, err := bearerToken(authorization)
	if err != nil {
		return invalid(err.Error())
	}
	if m.proxyToken == "" || !equalConstTime(token, m.proxyToken) {
		m.logger.Warn("auth failed", "reason", "invalid_proxy_token")
		return invalid("invalid proxy token")
	}
	return model.AuthResult{Valid: true, Source: model.SourceProxy, AgentPattern: "*"}
}

// secretOK validates the server-secret layer; an unset secret disables it.
func (m *Manager) secretOK(provided string) bool {
	if m.serverSecret == "" {
		return true
	}
	return equalConstTime(provided, m.serverSecret)
}

func (m *Manager) touchLastUsed(ctx context.Context, fp string, record model.APIKey) {
	record.LastUsed = time.Now().UTC()
	if data, err := json.Marshal(record); err == nil {
		// Best effort; the credential already verified.
		_ = m.store.HSet(ctx, store.APIKeysKey, fp, string(data))
	}
}

func invalid(reason string) model.AuthResult {
	return model.AuthResult{Valid: false, Reason: reason}
}

func keyResult(record model.APIKey) model.AuthResult {
	return model.AuthResult{
		Valid:        true,
		Source:       model.SourceAPIKey,
		KeyID:        record.KeyID,
		AgentPattern: record.AgentPattern,
	}
}
