// Package service is the broker's operation layer: every RPC and REST
// surface funnels here for validation, authorization, rate admission and
// audit before touching the engines.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/michaelansel/c3po/internal/audit"
	"github.com/michaelansel/c3po/internal/auth"
	"github.com/michaelansel/c3po/internal/blob"
	"github.com/michaelansel/c3po/internal/domain/model"
	"github.com/michaelansel/c3po/internal/inbox"
	"github.com/michaelansel/c3po/internal/ratelimit"
	"github.com/michaelansel/c3po/internal/registry"
)

// Identity is the authenticated caller as assembled by the dispatcher:
// the effective agent id from the identity headers plus the credential
// verdict.
type Identity struct {
	AgentID string
	Auth    model.AuthResult
}

// RateIdentity keys rate buckets by key id when one exists, else by the
// acting agent id.
func (id Identity) RateIdentity() string {
	if id.Auth.Source == model.SourceAPIKey && id.Auth.KeyID != "" {
		return id.Auth.KeyID
	}
	if id.AgentID != "" {
		return id.AgentID
	}
	return string(id.Auth.Source)
}

// Broker wires the engines together behind one operation surface.
type Broker struct {
	registry registry.Registrar
	mailbox  inbox.Mailboxer
	auther   auth.Auther
	keys     auth.KeyAdmin
	limiter  ratelimit.Limiter
	auditor  audit.Auditor
	blobs    blob.Storer
	logger   *slog.Logger
	now      func() time.Time
}

func NewBroker(
	reg registry.Registrar,
	mail inbox.Mailboxer,
	auther auth.Auther,
	keys auth.KeyAdmin,
	limiter ratelimit.Limiter,
	auditor audit.Auditor,
	blobs blob.Storer,
	logger *slog.Logger,
) *Broker {
	return &Broker{
		registry: reg,
		mailbox:  mail,
		auther:   auther,
		keys:     keys,
		limiter:  limiter,
		auditor:  auditor,
		blobs:    blobs,
		logger:   logger,
		now:      time.Now,
	}
}

// Pong is the ping response.
type Pong struct {
	Pong      bool      `json:"pong"`
	Timestamp time.Time `json:"timestamp"`
}

func (b *Broker) Ping() Pong {
	return Pong{Pong: true, Timestamp: b.now().UTC()}
}

// admit applies the rate table for operation against the caller.
func (b *Broker) admit(ctx context.Context, operation string, id Identity) error {
	allowed, _, limit, err := b.limiter.CheckAndRecord(ctx, operation, id.RateIdentity())
	if err != nil {
		return err
	}
	if !allowed {
		return model.ErrRateLimited(id.RateIdentity(), limit.Max, int(limit.Window.Seconds()))
	}
	return nil
}

// authorize enforces the key's agent pattern against the id the operation
// acts on. Only api_key credentials carry a restricting pattern.
func (b *Broker) authorize(ctx context.Context, id Identity, agentID string) error {
	if b.auther.Authorize(id.Auth, agentID) {
		return nil
	}
	b.auditor.Log(ctx, "authorization_denied", map[string]string{
		"agent_id": agentID,
		"key_id":   id.Auth.KeyID,
		"pattern":  id.Auth.AgentPattern,
	})
	return model.ErrForbidden(agentID)
}

// resolveTarget maps a requested recipient onto a registered agent,
// falling back to base-id prefix match for callers that cannot supply the
// project suffix. Misses come back with the available fleet attached.
func (b *Broker) resolveTarget(ctx context.Context, to string) (string, error) {
	_, found, err := b.registry.Get(ctx, to)
	if err != nil {
		return "", err
	}
	if found {
		return to, nil
	}
	agent, found, err := b.registry.FindByBase(ctx, to)
	if err != nil {
		return "", err
	}
	if found {
		return agent.ID, nil
	}
	agents, err := b.registry.List(ctx)
	if err != nil {
		return "", err
	}
	available := make([]string, 0, len(agents))
	for _, a := range agents {
		available = append(available, a.ID)
	}
	return "", model.ErrAgentNotFound(to, available)
}
