package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/michaelansel/c3po/infra/store"
	"github.com/michaelansel/c3po/internal/domain/model"
)

// Reply routes a response back to the sender of requestID. The fingerprint
// itself carries the routing: "<from>::<to>::<nonce>" names the original
// sender, whose reply queue and inbox both receive an entry, followed by a
// wake token.
func (e *Engine) Reply(ctx context.Context, requestID, from, response, status string) (model.Reply, error) {
	origSender, origRecipient, ok := model.ParseMessageID(requestID)
	if !ok {
		return model.Reply{}, model.ErrInvalidRequest("message_id",
			fmt.Sprintf("'%s' is not a valid message id", requestID))
	}
	if from != origRecipient {
		return model.Reply{}, model.ErrInvalidRequest("message_id",
			fmt.Sprintf("agent '%s' is not the recipient of message %s", from, requestID))
	}
	if status == "" {
		status = "success"
	}

	now := e.now()
	reply := model.Reply{
		MessageID: requestID,
		FromAgent: from,
		ToAgent:   origSender,
		Response:  response,
		Status:    status,
		Timestamp: now,
	}
	replyData, err := json.Marshal(reply)
	if err != nil {
		return model.Reply{}, err
	}

	// Mirror the reply into the sender's inbox so a plain drain sees it
	// even when no thread is parked on wait_for_response.
	mirror := model.Message{
		ID:        model.NewMessageID(from, origSender),
		FromAgent: from,
		ToAgent:   origSender,
		Message:   response,
		Timestamp: now,
		Type:      model.TypeReply,
		ReplyTo:   requestID,
	}
	mirrorData, err := json.Marshal(mirror)
	if err != nil {
		return model.Reply{}, err
	}

	err = e.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		repliesKey := store.RepliesKey(origSender)
		pipe.RPush(ctx, repliesKey, string(replyData))
		pipe.Expire(ctx, repliesKey, model.MessageTTL)

		inboxKey := store.InboxKey(origSender)
		pipe.RPush(ctx, inboxKey, string(mirrorData))
		pipe.Expire(ctx, inboxKey, model.MessageTTL)

		notify(ctx, pipe, origSender)
		return nil
	})
	if err != nil {
		return model.Reply{}, err
	}

	e.logger.Info("reply sent", "message_id", requestID, "from", from, "to", origSender, "status", status)
	return reply, nil
}

// WaitForResponse blocks until the reply matching requestID arrives on the
// agent's reply queue, or the deadline passes. Replies for other requests
// are put back at the tail so concurrent waiters on the same queue all
// observe FIFO order; any reply eventually reaches its waiter provided the
// waiter's deadline suffices.
func (e *Engine) WaitForResponse(ctx context.Context, agentID, requestID string, timeout time.Duration) (*model.Reply, WaitResult, error) {
	timeout = clampWait(timeout)
	repliesKey := store.RepliesKey(agentID)
	deadline := e.now().Add(timeout)

	for {
		if e.draining.Triggered() {
			return nil, retryResult(), nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.logger.Info("wait_for_response timeout", "agent", agentID, "message_id", requestID)
			return nil, WaitResult{Status: WaitTimeout}, nil
		}

		data, err := e.store.BLPop(ctx, slice(remaining), repliesKey)
		e.touch(ctx, agentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, WaitResult{}, err
		}

		var reply model.Reply
		if err := json.Unmarshal([]byte(data), &reply); err != nil {
			continue
		}
		if reply.Expired(e.now()) {
			continue
		}
		if reply.MessageID == requestID {
			e.logger.Info("wait_for_response matched", "agent", agentID, "message_id", requestID)
			return &reply, WaitResult{Status: WaitReady}, nil
		}

		// Not ours: back to the tail for the waiter it belongs to.
		e.logger.Debug("wait_for_response putback",
			"agent", agentID, "got", reply.MessageID, "want", requestID)
		if err := e.store.RPush(ctx, repliesKey, data); err != nil {
			return nil, WaitResult{}, err
		}
	}
}
