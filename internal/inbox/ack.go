package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/michaelansel/c3po/infra/store"
	"github.com/michaelansel/c3po/internal/domain/model"
)

type AckResult struct {
	Acked     int64 `json:"acked"`
	Compacted bool  `json:"compacted"`
}

// Ack marks message ids as processed. Validation is all-or-nothing: one
// malformed id rejects the whole batch before any write. When the inbox
// has grown past CompactThreshold the call also compacts it.
func (e *Engine) Ack(ctx context.Context, agentID string, ids []string) (AckResult, error) {
	if len(ids) == 0 {
		return AckResult{}, nil
	}

	var invalid []string
	for _, id := range ids {
		if !model.ValidMessageID(id) {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		shown := invalid
		if len(shown) > 5 {
			shown = shown[:5]
		}
		return AckResult{}, model.ErrInvalidRequest("message_ids",
			fmt.Sprintf("contains %d invalid ID(s): %s", len(invalid), strings.Join(shown, ", ")))
	}

	ackedKey := store.AckedKey(agentID)
	added, err := e.store.SAdd(ctx, ackedKey, ids...)
	if err != nil {
		return AckResult{}, err
	}
	if err := e.store.Expire(ctx, ackedKey, model.MessageTTL); err != nil {
		return AckResult{}, err
	}

	length, err := e.store.LLen(ctx, store.InboxKey(agentID))
	if err != nil {
		return AckResult{}, err
	}

	compacted := false
	if length > CompactThreshold {
		compacted, err = e.compact(ctx, agentID)
		if err != nil {
			return AckResult{}, err
		}
	}

	e.logger.Info("messages acked", "agent", agentID, "acked", added, "compacted", compacted)
	return AckResult{Acked: added, Compacted: compacted}, nil
}

// compact rebuilds the inbox without acked or expired entries, preserving
// order, then prunes the acked set down to ids still present in the kept
// list. The acked set is only ever pruned, never dropped outright: a
// concurrent drain between the list swap and the prune must still see the
// surviving acked ids.
//
// Concurrent compactions on the same inbox are safe: each reads then
// replaces under the same key, so at worst one writer's work is lost and a
// later ack converges.
func (e *Engine) compact(ctx context.Context, agentID string) (bool, error) {
	inboxKey := store.InboxKey(agentID)
	ackedKey := store.AckedKey(agentID)

	raw, err := e.store.LRange(ctx, inboxKey, 0, -1)
	if err != nil {
		return false, err
	}
	ackedMembers, err := e.store.SMembers(ctx, ackedKey)
	if err != nil {
		return false, err
	}
	acked := make(map[string]struct{}, len(ackedMembers))
	for _, id := range ackedMembers {
		acked[id] = struct{}{}
	}

	now := e.now()
	kept := make([]string, 0, len(raw))
	keptIDs := make(map[string]struct{}, len(raw))
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
		kept = append(kept, data)
		keptIDs[msg.ID] = struct{}{}
	}

	if len(kept) == len(raw) {
		return false, nil
	}

	// Prune acked ids that no longer back any inbox entry, bounding the
	// set to O(inbox size).
	var prune []string
	for _, id := range ackedMembers {
		if _, stillHeld := keptIDs[id]; !stillHeld {
			prune = append(prune, id)
		}
	}

	err = e.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, inboxKey)
		if len(kept) > 0 {
			args := make([]interface{}, len(kept))
			for i, v := range kept {
				args[i] = v
			}
			pipe.RPush(ctx, inboxKey, args...)
			pipe.Expire(ctx, inboxKey, model.MessageTTL)
		}
		if len(prune) > 0 {
			args := make([]interface{}, len(prune))
			for i, v := range prune {
				args[i] = v
			}
			pipe.SRem(ctx, ackedKey, args...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	e.logger.Debug("inbox compacted", "agent", agentID, "kept", len(kept), "pruned", len(prune))
	return true, nil
}
