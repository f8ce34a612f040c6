// Package registry tracks the agent fleet: identity, session, capabilities
// and liveness. Status is computed per-read from last_seen against the
// 90 s liveness window; nothing here ever stores "online".
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/redis/go-redis/v9"

	"github.com/michaelansel/c3po/infra/store"
	"github.com/michaelansel/c3po/internal/domain/model"
)

// Registrar is the presence surface consumed by the broker service.
type Registrar interface {
	Register(ctx context.Context, reqID, sessionID string, capabilities []string) (model.Agent, error)
	Get(ctx context.Context, agentID string) (model.Agent, bool, error)
	List(ctx context.Context) ([]model.Agent, error)
	Remove(ctx context.Context, agentID string) (bool, error)
	RemoveByPattern(ctx context.Context, pattern string, cleanupKeys bool) ([]string, error)
	SetDescription(ctx context.Context, agentID, description string) (model.Agent, error)
	Touch(ctx context.Context, agentID string) (bool, error)
	CountOnline(ctx context.Context) (int, error)
	FindByBase(ctx context.Context, baseID string) (model.Agent, bool, error)
}

var _ Registrar = (*Registry)(nil)

type Registry struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(s *store.Store, logger *slog.Logger) *Registry {
	return &Registry{store: s, logger: logger, now: time.Now}
}

// Register creates or refreshes the record for reqID. Resolution order:
// same session heartbeats in place; a live holder with a different session
// is a collision and the caller gets a "-2", "-3", ... derived id; an
// offline holder is overwritten.
func (r *Registry) Register(ctx context.Context, reqID, sessionID string, capabilities []string) (model.Agent, error) {
	now := r.now()

	existing, found, err := r.getRaw(ctx, reqID)
	if err != nil {
		return model.Agent{}, err
	}

	assigned := reqID
	if found {
		switch {
		case sessionID != "" && existing.SessionID == sessionID:
			// Same session reconnecting: heartbeat.
			existing.LastSeen = now
			if capabilities != nil {
				existing.Capabilities = capabilities
			}
			if err := r.put(ctx, existing); err != nil {
				return model.Agent{}, err
			}
			r.logger.Debug("agent heartbeat", "agent", reqID)
			return existing.WithStatus(now), nil

		case sessionID == "" && existing.Online(now):
			// No session supplied and the holder is live: assume a call
			// from the existing session (static client configs cannot
			// carry a dynamic session id).
			existing.LastSeen = now
			if capabilities != nil {
				existing.Capabilities = capabilities
			}
			if err := r.put(ctx, existing); err != nil {
				return model.Agent{}, err
			}
			r.logger.Debug("agent heartbeat", "agent", reqID)
			return existing.WithStatus(now), nil

		case existing.Online(now):
			// Live holder with a different session: collision.
			resolved, err := r.resolveCollision(ctx, reqID, now)
			if err != nil {
				return model.Agent{}, err
			}
			r.logger.Warn("agent collision", "requested", reqID, "resolved", resolved)
			assigned = resolved
		}
		// Offline holder at reqID: fall through and overwrite.
	}

	agent := model.Agent{
		ID:           assigned,
		SessionID:    sessionID,
		Capabilities: capabilities,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	if err := r.put(ctx, agent); err != nil {
		return model.Agent{}, err
	}
	r.logger.Info("agent registered", "agent", assigned, "session", sessionID)
	return agent.WithStatus(now), nil
}

// resolveCollision walks reqID-2, reqID-3, ... and returns the first
// suffix that is vacant or held by an offline agent.
func (r *Registry) resolveCollision(ctx context.Context, baseID string, now time.Time) (string, error) {
	for counter := 2; ; counter++ {
		candidate := fmt.Sprintf("%s-%d", baseID, counter)
		existing, found, err := r.getRaw(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !found || !existing.Online(now) {
			return candidate, nil
		}
	}
}

func (r *Registry) Get(ctx context.Context, agentID string) (model.Agent, bool, error) {
	agent, found, err := r.getRaw(ctx, agentID)
	if err != nil || !found {
		return model.Agent{}, found, err
	}
	return agent.WithStatus(r.now()), true, nil
}

func (r *Registry) List(ctx context.Context) ([]model.Agent, error) {
	raw, err := r.store.HGetAll(ctx, store.AgentsKey)
	if err != nil {
		return nil, err
	}
	now := r.now()
	agents := make([]model.Agent, 0, len(raw))
	for _, data := range raw {
		var agent model.Agent
		if err := json.Unmarshal([]byte(data), &agent); err != nil {
			continue
		}
		agents = append(agents, agent.WithStatus(now))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (r *Registry) Remove(ctx context.Context, agentID string) (bool, error) {
	n, err := r.store.HDel(ctx, store.AgentsKey, agentID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		r.logger.Info("agent removed", "agent", agentID)
	}
	return n > 0, nil
}

// RemoveByPattern purges every agent matching the glob. With cleanupKeys
// the associated inbox/reply/acked/notify keys go in the same pipelined
// group so no half-purged agent is observable.
func (r *Registry) RemoveByPattern(ctx context.Context, pattern string, cleanupKeys bool) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, model.ErrInvalidRequest("pattern", "not a valid glob: "+err.Error())
	}

	raw, err := r.store.HGetAll(ctx, store.AgentsKey)
	if err != nil {
		return nil, err
	}
	var removed []string
	for agentID := range raw {
		if g.Match(agentID) {
			removed = append(removed, agentID)
		}
	}
	if len(removed) == 0 {
		return []string{}, nil
	}
	sort.Strings(removed)

	err = r.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, store.AgentsKey, removed...)
		if cleanupKeys {
			var keys []string
			for _, agentID := range removed {
				keys = append(keys, store.AgentKeys(agentID)...)
			}
			pipe.Del(ctx, keys...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("agents purged", "pattern", pattern, "count", len(removed))
	return removed, nil
}

func (r *Registry) SetDescription(ctx context.Context, agentID, description string) (model.Agent, error) {
	agent, found, err := r.getRaw(ctx, agentID)
	if err != nil {
		return model.Agent{}, err
	}
	if !found {
		return model.Agent{}, model.ErrAgentNotFound(agentID, nil)
	}
	agent.Description = description
	if err := r.put(ctx, agent); err != nil {
		return model.Agent{}, err
	}
	return agent.WithStatus(r.now()), nil
}

// Touch refreshes last_seen without full registration logic. Long-polling
// waiters call this between blocking-pop slices to stay online.
func (r *Registry) Touch(ctx context.Context, agentID string) (bool, error) {
	agent, found, err := r.getRaw(ctx, agentID)
	if err != nil || !found {
		return false, err
	}
	agent.LastSeen = r.now()
	if err := r.put(ctx, agent); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) CountOnline(ctx context.Context) (int, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range agents {
		if a.Status == model.StatusOnline {
			count++
		}
	}
	return count, nil
}

// FindByBase returns the first online agent whose id equals baseID or
// starts with baseID + "/". Used when a caller knows the machine but not
// the project suffix.
func (r *Registry) FindByBase(ctx context.Context, baseID string) (model.Agent, bool, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return model.Agent{}, false, err
	}
	for _, a := range agents {
		if a.Status != model.StatusOnline {
			continue
		}
		if a.ID == baseID || strings.HasPrefix(a.ID, baseID+"/") {
			return a, true, nil
		}
	}
	return model.Agent{}, false, nil
}

func (r *Registry) getRaw(ctx context.Context, agentID string) (model.Agent, bool, error) {
	data, err := r.store.HGet(ctx, store.AgentsKey, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Agent{}, false, nil
		}
		return model.Agent{}, false, err
	}
	var agent model.Agent
	if err := json.Unmarshal([]byte(data), &agent); err != nil {
		return model.Agent{}, false, fmt.Errorf("registry: corrupt record for %q: %w", agentID, err)
	}
	return agent, true, nil
}

func (r *Registry) put(ctx context.Context, agent model.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	return r.store.HSet(ctx, store.AgentsKey, agent.ID, string(data))
}
