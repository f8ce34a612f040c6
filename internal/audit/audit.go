// Package audit appends structured security events to a capped store list.
// Writes are best effort: an unreachable store never fails the operation
// being audited.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/michaelansel/c3po/infra/store"
)

const (
	// MaxEntries caps the retained log; older entries fall off the tail.
	MaxEntries = 1000
	// TTL bounds retention even when the broker goes quiet.
	TTL = 7 * 24 * time.Hour
)

// Entry is one audit record. Fields carries the event-specific data.
type Entry struct {
	Event     string            `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Auditor is the event surface consumed by the broker service and the
// admin query endpoint.
type Auditor interface {
	Log(ctx context.Context, event string, fields map[string]string)
	Recent(ctx context.Context, limit int, eventFilter string) ([]Entry, error)
}

var _ Auditor = (*Logger)(nil)

type Logger struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(s *store.Store, logger *slog.Logger) *Logger {
	return &Logger{store: s, logger: logger, now: time.Now}
}

// Log records one event. Never returns an error and never blocks the
// caller on anything beyond the single store round-trip.
func (l *Logger) Log(ctx context.Context, event string, fields map[string]string) {
	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "event", event)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	l.logger.Info("audit", attrs...)

	entry := Entry{Event: event, Timestamp: l.now(), Fields: fields}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	err = l.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, store.AuditKey, string(data))
		pipe.LTrim(ctx, store.AuditKey, 0, MaxEntries-1)
		pipe.Expire(ctx, store.AuditKey, TTL)
		return nil
	})
	if err != nil {
		l.logger.Debug("audit write dropped", "event", event, "err", err)
	}
}

// Recent returns the newest entries first, optionally filtered by event.
func (l *Logger) Recent(ctx context.Context, limit int, eventFilter string) ([]Entry, error) {
	if limit <= 0 || limit > MaxEntries {
		limit = 100
	}
	stop := int64(limit - 1)
	if eventFilter != "" {
		// Over-read so a sparse event type can still fill the page.
		stop = int64(limit)*2 - 1
	}
	raw, err := l.store.LRange(ctx, store.AuditKey, 0, stop)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, limit)
	for _, data := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		if eventFilter != "" && entry.Event != eventFilter {
			continue
		}
		entries = append(entries, entry)
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
}
