// Package inbox is the message engine: per-recipient FIFO queues with
// at-least-once delivery, an acknowledgement set with lazy compaction, a
// transient notify channel that wakes blocked receivers, and the response
// router that matches replies to outstanding requests.
//
// The Redis list is both queue and condition variable: blocked waits park
// on BLPOP, so the process holds no cross-request state of its own.
package inbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/michaelansel/c3po/infra/store"
	"github.com/michaelansel/c3po/internal/domain/model"
	"github.com/michaelansel/c3po/internal/shutdown"
)

const (
	// CompactThreshold is the inbox length above which an ack triggers
	// compaction.
	CompactThreshold = 20

	// NotifyCap bounds the wake-token list. Tokens are advisory; the
	// inbox stays authoritative, so drop-on-overflow is safe.
	NotifyCap = 16

	// MaxWait is the ceiling on any blocking wait.
	MaxWait = 3600 * time.Second

	// popSlice bounds a single BLPOP so wait loops can notice shutdown
	// and refresh heartbeats between slices.
	popSlice = 10 * time.Second
)

// TouchFunc refreshes an agent's last_seen between blocking-pop slices so
// long-polling agents stay online. Failures are ignored.
type TouchFunc func(ctx context.Context, agentID string)

// Mailboxer is the engine surface consumed by the broker service.
type Mailboxer interface {
	Send(ctx context.Context, from, to, body, contextText string) (model.Message, error)
	Reply(ctx context.Context, requestID, from, response, status string) (model.Reply, error)
	Drain(ctx context.Context, agentID string) ([]model.Message, error)
	Peek(ctx context.Context, agentID string) ([]model.Message, error)
	Ack(ctx context.Context, agentID string, ids []string) (AckResult, error)
	PendingCount(ctx context.Context, agentID string) (int64, error)
	Wait(ctx context.Context, agentID string, timeout time.Duration) (WaitResult, error)
	WaitForResponse(ctx context.Context, agentID, requestID string, timeout time.Duration) (*model.Reply, WaitResult, error)
}

var _ Mailboxer = (*Engine)(nil)

type Engine struct {
	store    *store.Store
	logger   *slog.Logger
	draining *shutdown.Signal
	touch    TouchFunc
	now      func() time.Time
}

func New(s *store.Store, logger *slog.Logger, draining *shutdown.Signal, touch TouchFunc) *Engine {
	if touch == nil {
		touch = func(context.Context, string) {}
	}
	return &Engine{
		store:    s,
		logger:   logger,
		draining: draining,
		touch:    touch,
		now:      time.Now,
	}
}

// Send appends a message to the recipient's inbox, refreshes the inbox
// TTL, and pushes a wake token. The stored record comes back with its
// assigned fingerprint id.
func (e *Engine) Send(ctx context.Context, from, to, body, contextText string) (model.Message, error) {
	msg := model.Message{
		ID:        model.NewMessageID(from, to),
		FromAgent: from,
		ToAgent:   to,
		Message:   body,
		Context:   contextText,
		Timestamp: e.now(),
		Type:      model.TypeMessage,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return model.Message{}, err
	}

	err = e.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		inboxKey := store.InboxKey(to)
		pipe.RPush(ctx, inboxKey, string(data))
		pipe.Expire(ctx, inboxKey, model.MessageTTL)
		notify(ctx, pipe, to)
		return nil
	})
	if err != nil {
		return model.Message{}, err
	}

	e.logger.Info("message sent", "message_id", msg.ID, "from", from, "to", to)
	return msg, nil
}

// notify deposits one wake token for agentID and trims the channel to its
// cap. Losing a token never loses a message.
func notify(ctx context.Context, pipe redis.Pipeliner, agentID string) {
	key := store.NotifyKey(agentID)
	pipe.RPush(ctx, key, "1")
	pipe.LTrim(ctx, key, -NotifyCap, -1)
	pipe.Expire(ctx, key, model.MessageTTL)
}

// Drain returns the inbox contents oldest first, with expired entries and
// already-acked entries filtered out. Nothing is removed: the read is
// idempotent until the caller acks.
func (e *Engine) Drain(ctx context.Context, agentID string) ([]model.Message, error) {
	msgs, err := e.project(ctx, agentID)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("inbox drained", "agent", agentID, "count", len(msgs))
	return msgs, nil
}

// Peek is the guaranteed-read-only projection; identical to Drain today.
func (e *Engine) Peek(ctx context.Context, agentID string) ([]model.Message, error) {
	return e.project(ctx, agentID)
}

func (e *Engine) project(ctx context.Context, agentID string) ([]model.Message, error) {
	raw, err := e.store.LRange(ctx, store.InboxKey(agentID), 0, -1)
	if err != nil {
		return nil, err
	}
	ackedMembers, err := e.store.SMembers(ctx, store.AckedKey(agentID))
	if err != nil {
		return nil, err
	}
	acked := make(map[string]struct{}, len(ackedMembers))
	for _, id := range ackedMembers {
		acked[id] = struct{}{}
	}

	now := e.now()
	msgs := make([]model.Message, 0, len(raw))
	for _, data := range raw {
		var msg model.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		if msg.Expired(now) {
			continue
		}
		if _, isAcked := acked[msg.ID]; isAcked {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// PendingCount is the raw list length. Cheap on purpose: no TTL filtering.
func (e *Engine) PendingCount(ctx context.Context, agentID string) (int64, error) {
	return e.store.LLen(ctx, store.InboxKey(agentID))
}
