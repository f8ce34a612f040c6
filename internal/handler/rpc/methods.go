package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/michaelansel/c3po/internal/domain/model"
	"github.com/michaelansel/c3po/internal/inbox"
)

type methodFunc func(ctx context.Context, id caller, params json.RawMessage) (any, error)

func decodeParams[T any](params json.RawMessage) (T, error) {
	var out T
	if len(params) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(params, &out); err != nil {
		return out, model.ErrInvalidRequest("params", "malformed parameters: "+err.Error())
	}
	return out, nil
}

// WaitTimeout validates a caller-supplied timeout in seconds. Zero means
// "poll once" and is clamped up to one second; anything outside
// [0, MaxWait] is rejected.
func WaitTimeout(seconds float64) (time.Duration, error) {
	if seconds < 0 || seconds > inbox.MaxWait.Seconds() {
		return 0, model.ErrInvalidRequest("timeout",
			fmt.Sprintf("must be between 0 and %.0f seconds", inbox.MaxWait.Seconds()))
	}
	if seconds == 0 {
		seconds = 1
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (h *Handler) methodTable() map[string]methodFunc {
	return map[string]methodFunc{
		"ping":              h.ping,
		"list_agents":       h.listAgents,
		"register_agent":    h.registerAgent,
		"set_description":   h.setDescription,
		"find_agent":        h.findAgent,
		"send_message":      h.sendMessage,
		"get_messages":      h.getMessages,
		"peek_messages":     h.peekMessages,
		"ack_messages":      h.ackMessages,
		"reply":             h.reply,
		"wait_for_message":  h.waitForMessage,
		"wait_for_response": h.waitForResponse,
		"upload_blob":       h.uploadBlob,
		"fetch_blob":        h.fetchBlob,
		"create_key":        h.createKey,
		"revoke_key":        h.revokeKey,
		"list_keys":         h.listKeys,
		"purge_agents":      h.purgeAgents,
		"audit_recent":      h.auditRecent,
	}
}

func (h *Handler) ping(_ context.Context, _ caller, _ json.RawMessage) (any, error) {
	return h.broker.Ping(), nil
}

func (h *Handler) listAgents(ctx context.Context, id caller, _ json.RawMessage) (any, error) {
	return h.broker.ListAgents(ctx, id.Identity)
}

func (h *Handler) registerAgent(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Name         string   `json:"name"`
		Capabilities []string `json:"capabilities"`
	}](params)
	if err != nil {
		return nil, err
	}
	return h.broker.RegisterAgent(ctx, id.Identity, p.Name, id.SessionID, p.Capabilities)
}

func (h *Handler) setDescription(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		AgentID     string `json:"agent_id"`
		Description string `json:"description"`
	}](params)
	if err != nil {
		return nil, err
	}
	return h.broker.SetDescription(ctx, id.Identity, h.effectiveAgent(id, p.AgentID), p.Description)
}

func (h *Handler) findAgent(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		AgentID string `json:"agent_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	agent, found, err := h.broker.FindAgent(ctx, id.Identity, p.AgentID)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]any{"found": false}, nil
	}
	return map[string]any{"found": true, "agent": agent}, nil
}

func (h *Handler) sendMessage(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		To      string `json:"to"`
		Message string `json:"message"`
		Context string `json:"context"`
	}](params)
	if err != nil {
		return nil, err
	}
	return h.broker.SendMessage(ctx, id.Identity, p.To, p.Message, p.Context)
}

func (h *Handler) getMessages(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	agentID, err := h.inboxTarget(id, params)
	if err != nil {
		return nil, err
	}
	return h.broker.GetMessages(ctx, id.Identity, agentID)
}

func (h *Handler) peekMessages(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	agentID, err := h.inboxTarget(id, params)
	if err != nil {
		return nil, err
	}
	return h.broker.PeekMessages(ctx, id.Identity, agentID)
}

func (h *Handler) inboxTarget(id caller, params json.RawMessage) (string, error) {
	p, err := decodeParams[struct {
		AgentID string `json:"agent_id"`
	}](params)
	if err != nil {
		return "", err
	}
	return h.effectiveAgent(id, p.AgentID), nil
}

// effectiveAgent prefers the explicit parameter, falling back to the
// identity assembled from the request headers.
func (h *Handler) effectiveAgent(id caller, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return id.AgentID
}

func (h *Handler) ackMessages(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		AgentID    string   `json:"agent_id"`
		MessageIDs []string `json:"message_ids"`
	}](params)
	if err != nil {
		return nil, err
	}
	return h.broker.AckMessages(ctx, id.Identity, h.effectiveAgent(id, p.AgentID), p.MessageIDs)
}

func (h *Handler) reply(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		MessageID string `json:"message_id"`
		Response  string `json:"response"`
		Status    string `json:"status"`
	}](params)
	if err != nil {
		return nil, err
	}
	return h.broker.Reply(ctx, id.Identity, p.MessageID, p.Response, p.Status)
}

func (h *Handler) waitForMessage(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		AgentID string  `json:"agent_id"`
		Timeout float64 `json:"timeout"`
	}](params)
	if err != nil {
		return nil, err
	}
	timeout, err := WaitTimeout(p.Timeout)
	if err != nil {
		return nil, err
	}
	return h.broker.WaitForMessage(ctx, id.Identity, h.effectiveAgent(id, p.AgentID), timeout)
}

func (h *Handler) waitForResponse(ctx context.Context, id caller, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		AgentID   string  `json:"agent_id"`
		MessageID string  `json:"message_id"`
		Timeout   float64 `json:"timeout"`
	}](params)
	if err != nil {
		return nil, err
	}
	timeout, err := WaitTimeout(p.Timeout)
	if err != nil {
		return nil, err
	}
	reply, status, err := h.broker.WaitForResponse(ctx, id.Identity, h.effectiveAgent(id, p.AgentID), p.MessageID, timeout)
	if err != nil {
		return nil, err
	}
	if reply != nil {
		return reply, nil
	}
	return status, nil
}
