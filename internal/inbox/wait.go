package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/michaelansel/c3po/infra/store"
)

const (
	WaitReady   = "ready"
	WaitTimeout = "timeout"
	WaitRetry   = "retry"

	// RetryAfterSeconds is the reconnect hint handed to clients whose
	// wait was interrupted by a draining server.
	RetryAfterSeconds = 15
)

// WaitResult is the structured outcome of a blocking wait. Timeouts are
// successful returns, never errors, so clients can loop without special
// casing.
type WaitResult struct {
	Status     string `json:"status"`
	Pending    int    `json:"pending,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func retryResult() WaitResult {
	return WaitResult{Status: WaitRetry, RetryAfter: RetryAfterSeconds}
}

// Wait parks on the agent's notify channel until a wake token arrives or
// the timeout elapses. The token is only a latency hint: callers still
// drain the inbox, which remains authoritative, so lost tokens cost at
// most one timeout round-trip.
//
// During shutdown the wait returns a retry record instead of blocking out
// its full timeout, so clients reconnect to a successor process.
func (e *Engine) Wait(ctx context.Context, agentID string, timeout time.Duration) (WaitResult, error) {
	timeout = clampWait(timeout)
	notifyKey := store.NotifyKey(agentID)
	deadline := e.now().Add(timeout)

	for {
		if e.draining.Triggered() {
			e.logger.Info("wait_for_message drained", "agent", agentID)
			return retryResult(), nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.logger.Info("wait_for_message timeout", "agent", agentID)
			return WaitResult{Status: WaitTimeout}, nil
		}

		_, err := e.store.BLPop(ctx, slice(remaining), notifyKey)
		// Refresh the heartbeat either way so long-polling agents stay
		// online across empty slices.
		e.touch(ctx, agentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return WaitResult{}, err
		}

		pending, err := e.Peek(ctx, agentID)
		if err != nil {
			return WaitResult{}, err
		}
		e.logger.Info("wait_for_message ready", "agent", agentID, "pending", len(pending))
		return WaitResult{Status: WaitReady, Pending: len(pending)}, nil
	}
}

// clampWait bounds a caller-supplied timeout to [1s, MaxWait].
func clampWait(timeout time.Duration) time.Duration {
	if timeout < time.Second {
		return time.Second
	}
	if timeout > MaxWait {
		return MaxWait
	}
	return timeout
}

// slice bounds one blocking pop so the loop can poll shutdown and refresh
// heartbeats. Floor of 1 s: Redis reads 0 as "forever".
func slice(remaining time.Duration) time.Duration {
	if remaining < time.Second {
		return time.Second
	}
	if remaining > popSlice {
		return popSlice
	}
	return remaining
}
