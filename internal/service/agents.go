package service

import (
	"context"

	"github.com/michaelansel/c3po/internal/domain/model"
)

// RegisterAgent registers (or heartbeats) the caller under reqID. The
// effective id may differ from the requested one when a live session
// already holds it.
func (b *Broker) RegisterAgent(ctx context.Context, id Identity, reqID, sessionID string, capabilities []string) (model.Agent, error) {
	if reqID == "" {
		reqID = id.AgentID
	}
	if !model.ValidAgentID(reqID) {
		return model.Agent{}, model.ErrInvalidRequest("name",
			"must be 1-64 chars: letters, digits, then letters/digits/_./-")
	}
	if err := b.authorize(ctx, id, reqID); err != nil {
		return model.Agent{}, err
	}
	if err := b.admit(ctx, "register_agent", id); err != nil {
		return model.Agent{}, err
	}

	agent, err := b.registry.Register(ctx, reqID, sessionID, capabilities)
	if err != nil {
		return model.Agent{}, err
	}
	b.auditor.Log(ctx, "agent_register", map[string]string{
		"agent_id": agent.ID,
		"key_id":   id.Auth.KeyID,
	})
	return agent, nil
}

func (b *Broker) ListAgents(ctx context.Context, id Identity) ([]model.Agent, error) {
	if err := b.admit(ctx, "list_agents", id); err != nil {
		return nil, err
	}
	return b.registry.List(ctx)
}

func (b *Broker) SetDescription(ctx context.Context, id Identity, agentID, description string) (model.Agent, error) {
	if !model.ValidAgentID(agentID) {
		return model.Agent{}, model.ErrInvalidRequest("agent_id", "does not match the agent id grammar")
	}
	if err := b.authorize(ctx, id, agentID); err != nil {
		return model.Agent{}, err
	}
	if err := b.admit(ctx, "set_description", id); err != nil {
		return model.Agent{}, err
	}
	return b.registry.SetDescription(ctx, agentID, description)
}

// FindAgent returns the first online agent at baseID or under baseID/.
func (b *Broker) FindAgent(ctx context.Context, id Identity, baseID string) (model.Agent, bool, error) {
	if !model.ValidAgentID(baseID) {
		return model.Agent{}, false, model.ErrInvalidRequest("agent_id", "does not match the agent id grammar")
	}
	if err := b.admit(ctx, "find_agent", id); err != nil {
		return model.Agent{}, false, err
	}
	return b.registry.FindByBase(ctx, baseID)
}

// UnregisterAgent removes the agent and its queue keys.
func (b *Broker) UnregisterAgent(ctx context.Context, id Identity, agentID string) (bool, error) {
	if !model.ValidAgentID(agentID) {
		return false, model.ErrInvalidRequest("agent_id", "does not match the agent id grammar")
	}
	if err := b.authorize(ctx, id, agentID); err != nil {
		return false, err
	}
	if err := b.admit(ctx, "rest_unregister", id); err != nil {
		return false, err
	}
	removed, err := b.registry.Remove(ctx, agentID)
	if err != nil {
		return false, err
	}
	if removed {
		b.auditor.Log(ctx, "agent_unregister", map[string]string{
			"agent_id": agentID,
			"key_id":   id.Auth.KeyID,
		})
	}
	return removed, nil
}

// CountOnline backs the health endpoint; unauthenticated and unlimited.
func (b *Broker) CountOnline(ctx context.Context) (int, error) {
	return b.registry.CountOnline(ctx)
}
