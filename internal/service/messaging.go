package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/michaelansel/c3po/internal/domain/model"
	"github.com/michaelansel/c3po/internal/inbox"
)

func validatePayload(field, value string, required bool) error {
	if required && value == "" {
		return model.ErrInvalidRequest(field, "must not be empty")
	}
	if len(value) > model.MaxPayloadBytes {
		return model.ErrInvalidRequest(field,
			fmt.Sprintf("exceeds maximum length of %d bytes", model.MaxPayloadBytes))
	}
	return nil
}

// SendMessage enqueues a message from the caller to the resolved target.
func (b *Broker) SendMessage(ctx context.Context, id Identity, to, message, contextText string) (model.Message, error) {
	if !model.ValidAgentID(id.AgentID) {
		return model.Message{}, model.ErrInvalidRequest("agent_id", "sender identity is missing or malformed")
	}
	if !model.ValidAgentID(to) {
		return model.Message{}, model.ErrInvalidRequest("to", "does not match the agent id grammar")
	}
	if err := validatePayload("message", message, true); err != nil {
		return model.Message{}, err
	}
	if err := validatePayload("context", contextText, false); err != nil {
		return model.Message{}, err
	}
	if err := b.authorize(ctx, id, id.AgentID); err != nil {
		return model.Message{}, err
	}
	if err := b.admit(ctx, "send_message", id); err != nil {
		return model.Message{}, err
	}

	target, err := b.resolveTarget(ctx, to)
	if err != nil {
		return model.Message{}, err
	}
	// The key pattern bounds every agent the operation touches, the
	// recipient whose inbox is written included.
	if err := b.authorize(ctx, id, target); err != nil {
		return model.Message{}, err
	}

	msg, err := b.mailbox.Send(ctx, id.AgentID, target, message, contextText)
	if err != nil {
		return model.Message{}, err
	}
	b.auditor.Log(ctx, "message_send", map[string]string{
		"from_agent": id.AgentID,
		"to_agent":   target,
		"message_id": msg.ID,
	})
	return msg, nil
}

// GetMessages drains the agent's inbox without removing anything; entries
// stay until acked or expired.
func (b *Broker) GetMessages(ctx context.Context, id Identity, agentID string) ([]model.Message, error) {
	msgs, err := b.readInbox(ctx, id, agentID, "get_messages", b.mailbox.Drain)
	if err != nil {
		return nil, err
	}
	b.auditor.Log(ctx, "message_receive", map[string]string{
		"agent_id": agentID,
		"count":    strconv.Itoa(len(msgs)),
	})
	return msgs, nil
}

// PeekMessages is the strictly read-only projection used by hooks.
func (b *Broker) PeekMessages(ctx context.Context, id Identity, agentID string) ([]model.Message, error) {
	return b.readInbox(ctx, id, agentID, "rest_pending", b.mailbox.Peek)
}

func (b *Broker) readInbox(
	ctx context.Context,
	id Identity,
	agentID, operation string,
	read func(context.Context, string) ([]model.Message, error),
) ([]model.Message, error) {
	if !model.ValidAgentID(agentID) {
		return nil, model.ErrInvalidRequest("agent_id", "does not match the agent id grammar")
	}
	if err := b.authorize(ctx, id, agentID); err != nil {
		return nil, err
	}
	if err := b.admit(ctx, operation, id); err != nil {
		return nil, err
	}
	return read(ctx, agentID)
}

// AckMessages marks ids processed and opportunistically compacts.
func (b *Broker) AckMessages(ctx context.Context, id Identity, agentID string, ids []string) (inbox.AckResult, error) {
	if !model.ValidAgentID(agentID) {
		return inbox.AckResult{}, model.ErrInvalidRequest("agent_id", "does not match the agent id grammar")
	}
	if err := b.authorize(ctx, id, agentID); err != nil {
		return inbox.AckResult{}, err
	}
	if err := b.admit(ctx, "ack_messages", id); err != nil {
		return inbox.AckResult{}, err
	}
	return b.mailbox.Ack(ctx, agentID, ids)
}

// Reply routes a response to the original sender of messageID.
func (b *Broker) Reply(ctx context.Context, id Identity, messageID, response, status string) (model.Reply, error) {
	if !model.ValidAgentID(id.AgentID) {
		return model.Reply{}, model.ErrInvalidRequest("agent_id", "sender identity is missing or malformed")
	}
	if !model.ValidMessageID(messageID) {
		return model.Reply{}, model.ErrInvalidRequest("message_id",
			"must have the form <from>::<to>::<8-hex-digits>")
	}
	if err := validatePayload("response", response, true); err != nil {
		return model.Reply{}, err
	}
	if err := b.authorize(ctx, id, id.AgentID); err != nil {
		return model.Reply{}, err
	}
	if err := b.admit(ctx, "reply", id); err != nil {
		return model.Reply{}, err
	}

	reply, err := b.mailbox.Reply(ctx, messageID, id.AgentID, response, status)
	if err != nil {
		return model.Reply{}, err
	}
	b.auditor.Log(ctx, "message_respond", map[string]string{
		"from_agent": id.AgentID,
		"message_id": messageID,
		"status":     reply.Status,
	})
	return reply, nil
}

// WaitForMessage blocks until a wake token, timeout, or shutdown.
func (b *Broker) WaitForMessage(ctx context.Context, id Identity, agentID string, timeout time.Duration) (inbox.WaitResult, error) {
	if !model.ValidAgentID(agentID) {
		return inbox.WaitResult{}, model.ErrInvalidRequest("agent_id", "does not match the agent id grammar")
	}
	if err := b.authorize(ctx, id, agentID); err != nil {
		return inbox.WaitResult{}, err
	}
	if err := b.admit(ctx, "wait_for_message", id); err != nil {
		return inbox.WaitResult{}, err
	}
	return b.mailbox.Wait(ctx, agentID, timeout)
}

// WaitForResponse blocks until the reply to messageID arrives.
func (b *Broker) WaitForResponse(ctx context.Context, id Identity, agentID, messageID string, timeout time.Duration) (*model.Reply, inbox.WaitResult, error) {
	if !model.ValidAgentID(agentID) {
		return nil, inbox.WaitResult{}, model.ErrInvalidRequest("agent_id", "does not match the agent id grammar")
	}
	if !model.ValidMessageID(messageID) {
		return nil, inbox.WaitResult{}, model.ErrInvalidRequest("message_id",
			"must have the form <from>::<to>::<8-hex-digits>")
	}
	if err := b.authorize(ctx, id, agentID); err != nil {
		return nil, inbox.WaitResult{}, err
	}
	if err := b.admit(ctx, "wait_for_response", id); err != nil {
		return nil, inbox.WaitResult{}, err
	}
	return b.mailbox.WaitForResponse(ctx, agentID, messageID, timeout)
}

// PendingCount is the cheap inbox length used by hooks and the ws stream.
func (b *Broker) PendingCount(ctx context.Context, id Identity, agentID string) (int64, error) {
	if !model.ValidAgentID(agentID) {
		return 0, model.ErrInvalidRequest("agent_id", "does not match the agent id grammar")
	}
	if err := b.authorize(ctx, id, agentID); err != nil {
		return 0, err
	}
	return b.mailbox.PendingCount(ctx, agentID)
}
