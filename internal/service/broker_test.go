package service

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelansel/c3po/config"
	"github.com/michaelansel/c3po/infra/store"
	"github.com/michaelansel/c3po/internal/audit"
	"github.com/michaelansel/c3po/internal/auth"
	"github.com/michaelansel/c3po/internal/blob"
	"github.com/michaelansel/c3po/internal/domain/model"
	"github.com/michaelansel/c3po/internal/inbox"
	"github.com/michaelansel/c3po/internal/ratelimit"
	"github.com/michaelansel/c3po/internal/registry"
	"github.com/michaelansel/c3po/internal/shutdown"
)

// newTestBroker assembles the full operation stack over an in-process
// store, in dev mode (no secrets) unless cfg overrides.
func newTestBroker(t *testing.T, authCfg config.Auth) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.Default()
	s := store.New(client)
	reg := registry.New(s, logger)
	mail := inbox.New(s, logger, shutdown.New(), func(ctx context.Context, agentID string) {
		_, _ = reg.Touch(ctx, agentID)
	})
	mgr := auth.NewManager(&config.Config{Auth: authCfg}, s, logger)
	return NewBroker(reg, mail, mgr, mgr,
		ratelimit.New(s, logger),
		audit.New(s, logger),
		blob.New(s, logger),
		logger,
	)
}

func devIdentity(agentID string) Identity {
	return Identity{
		AgentID: agentID,
		Auth:    model.AuthResult{Valid: true, Source: model.SourceNoAuth, AgentPattern: "*"},
	}
}

func keyIdentity(agentID, pattern string) Identity {
	return Identity{
		AgentID: agentID,
		Auth: model.AuthResult{
			Valid: true, Source: model.SourceAPIKey, KeyID: "k1", AgentPattern: pattern,
		},
	}
}

func TestSendToUnknownAgentListsAvailable(t *testing.T) {
	b := newTestBroker(t, config.Auth{})
	ctx := context.Background()

	_, err := b.RegisterAgent(ctx, devIdentity("alice"), "alice", "s", nil)
	require.NoError(t, err)

	_, err = b.SendMessage(ctx, devIdentity("alice"), "ghost", "hello", "")
	require.Error(t, err)
	werr := model.AsError(err)
	assert.Equal(t, model.CodeAgentNotFound, werr.Code)
	assert.True(t, strings.Contains(werr.Suggestion, "alice"), werr.Suggestion)
}

func TestSendResolvesBaseID(t *testing.T) {
	b := newTestBroker(t, config.Auth{})
	ctx := context.Background()

	_, err := b.RegisterAgent(ctx, devIdentity("bob/web"), "bob/web", "s", nil)
	require.NoError(t, err)

	msg, err := b.SendMessage(ctx, devIdentity("alice"), "bob", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, "bob/web", msg.ToAgent)

	msgs, err := b.GetMessages(ctx, devIdentity("bob/web"), "bob/web")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Message)
}

func TestSendRejectsOversizePayload(t *testing.T) {
	b := newTestBroker(t, config.Auth{})
	ctx := context.Background()

	_, err := b.RegisterAgent(ctx, devIdentity("bob"), "bob", "s", nil)
	require.NoError(t, err)

	huge := strings.Repeat("x", model.MaxPayloadBytes+1)
	_, err = b.SendMessage(ctx, devIdentity("alice"), "bob", huge, "")
	require.Error(t, err)
	assert.Equal(t, model.CodeInvalidRequest, model.AsError(err).Code)

	_, err = b.SendMessage(ctx, devIdentity("alice"), "bob", "", "")
	require.Error(t, err)
	assert.Equal(t, model.CodeInvalidRequest, model.AsError(err).Code)
}

func TestPatternDenialIsForbidden(t *testing.T) {
	b := newTestBroker(t, config.Auth{ServerSecret: "sec", AdminKey: "adm"})
	ctx := context.Background()

	id := keyIdentity("alice", "ci-*")
	_, err := b.RegisterAgent(ctx, id, "alice", "s", nil)
	require.Error(t, err)
	assert.Equal(t, model.CodeForbidden, model.AsError(err).Code)

	// Inside the pattern the same key works.
	agent, err := b.RegisterAgent(ctx, keyIdentity("ci-build-1", "ci-*"), "ci-build-1", "s", nil)
	require.NoError(t, err)
	assert.Equal(t, "ci-build-1", agent.ID)
}

func TestSendPatternBoundsRecipient(t *testing.T) {
	b := newTestBroker(t, config.Auth{ServerSecret: "sec", AdminKey: "adm"})
	ctx := context.Background()

	_, err := b.RegisterAgent(ctx, keyIdentity("other/x", "*"), "other/x", "s", nil)
	require.NoError(t, err)
	_, err = b.RegisterAgent(ctx, keyIdentity("machine/q", "machine/*"), "machine/q", "s", nil)
	require.NoError(t, err)

	sender := keyIdentity("machine/p", "machine/*")
	_, err = b.SendMessage(ctx, sender, "other/x", "out of bounds", "")
	require.Error(t, err)
	assert.Equal(t, model.CodeForbidden, model.AsError(err).Code)

	// The recipient's inbox must not have been written.
	msgs, err := b.GetMessages(ctx, keyIdentity("other/x", "*"), "other/x")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// A recipient inside the pattern is reachable.
	msg, err := b.SendMessage(ctx, sender, "machine/q", "in bounds", "")
	require.NoError(t, err)
	assert.Equal(t, "machine/q", msg.ToAgent)
}

func TestAdminSurfaceRequiresAdmin(t *testing.T) {
	b := newTestBroker(t, config.Auth{ServerSecret: "sec", AdminKey: "adm"})
	ctx := context.Background()

	_, _, err := b.CreateKey(ctx, keyIdentity("alice", "*"), "*", "nope")
	require.Error(t, err)
	assert.Equal(t, model.CodeForbidden, model.AsError(err).Code)

	adminID := Identity{Auth: model.AuthResult{
		Valid: true, Source: model.SourceAdmin, KeyID: "admin", AgentPattern: "*",
	}}
	token, record, err := b.CreateKey(ctx, adminID, "ci-*", "builders")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "ci-*", record.AgentPattern)

	keys, err := b.ListKeys(ctx, adminID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestRateLimitSurfacesRetryableError(t *testing.T) {
	b := newTestBroker(t, config.Auth{})
	ctx := context.Background()
	id := devIdentity("alice")

	// rest_unregister has the tightest bucket (5/min); drive it dry.
	_, err := b.RegisterAgent(ctx, id, "alice", "s", nil)
	require.NoError(t, err)
	var lastErr error
	for i := 0; i < ratelimit.Limits["rest_unregister"].Max+1; i++ {
		_, lastErr = b.UnregisterAgent(ctx, id, "alice")
	}
	require.Error(t, lastErr)
	assert.Equal(t, model.CodeRateLimited, model.AsError(lastErr).Code)
}

func TestReplyFlow(t *testing.T) {
	b := newTestBroker(t, config.Auth{})
	ctx := context.Background()

	_, err := b.RegisterAgent(ctx, devIdentity("bob"), "bob", "s", nil)
	require.NoError(t, err)

	msg, err := b.SendMessage(ctx, devIdentity("alice"), "bob", "question", "")
	require.NoError(t, err)

	reply, err := b.Reply(ctx, devIdentity("bob"), msg.ID, "answer", "")
	require.NoError(t, err)
	assert.Equal(t, "success", reply.Status)

	got, status, err := b.WaitForResponse(ctx, devIdentity("alice"), "alice", msg.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, inbox.WaitReady, status.Status)
	assert.Equal(t, "answer", got.Response)
}

func TestAckThroughBroker(t *testing.T) {
	b := newTestBroker(t, config.Auth{})
	ctx := context.Background()

	_, err := b.RegisterAgent(ctx, devIdentity("bob"), "bob", "s", nil)
	require.NoError(t, err)
	msg, err := b.SendMessage(ctx, devIdentity("alice"), "bob", "work", "")
	require.NoError(t, err)

	res, err := b.AckMessages(ctx, devIdentity("bob"), "bob", []string{msg.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Acked)

	msgs, err := b.GetMessages(ctx, devIdentity("bob"), "bob")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestBlobInlinePolicy(t *testing.T) {
	b := newTestBroker(t, config.Auth{})
	ctx := context.Background()
	id := devIdentity("alice")

	small, err := b.UploadBlob(ctx, id, []byte("small text"), "s.txt", "text/plain")
	require.NoError(t, err)

	fetch, err := b.FetchBlob(ctx, id, small.BlobID, false)
	require.NoError(t, err)
	assert.True(t, fetch.Inline)
	assert.Equal(t, "small text", fetch.Content)
	assert.Equal(t, "utf-8", fetch.Encoding)

	raw := make([]byte, blob.InlineThreshold+1)
	for i := range raw {
		raw[i] = 0xff
	}
	big, err := b.UploadBlob(ctx, id, raw, "b.bin", "")
	require.NoError(t, err)

	fetch, err = b.FetchBlob(ctx, id, big.BlobID, false)
	require.NoError(t, err)
	assert.False(t, fetch.Inline)
	assert.Empty(t, fetch.Content)

	// inline_large raises the ceiling to the hard cap.
	fetch, err = b.FetchBlob(ctx, id, big.BlobID, true)
	require.NoError(t, err)
	assert.True(t, fetch.Inline)
	assert.Equal(t, "base64", fetch.Encoding)
}

func TestPingShape(t *testing.T) {
	b := newTestBroker(t, config.Auth{})

	pong := b.Ping()
	assert.True(t, pong.Pong)
	assert.False(t, pong.Timestamp.IsZero())
}
