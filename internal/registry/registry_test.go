package registry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelansel/c3po/infra/store"
	"github.com/michaelansel/c3po/internal/domain/model"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := store.New(client)
	return New(s, slog.Default()), s
}

func TestRegisterNewAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := r.Register(ctx, "alice/web", "sess-1", []string{"code"})
	require.NoError(t, err)
	assert.Equal(t, "alice/web", agent.ID)
	assert.Equal(t, model.StatusOnline, agent.Status)
	assert.Equal(t, []string{"code"}, agent.Capabilities)
}

func TestRegisterSameSessionHeartbeats(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, "alice", "sess-1", nil)
	require.NoError(t, err)

	again, err := r.Register(ctx, "alice", "sess-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.False(t, again.LastSeen.Before(first.LastSeen))
}

func TestRegisterCollisionGetsSuffix(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "alice", "sess-1", nil)
	require.NoError(t, err)

	second, err := r.Register(ctx, "alice", "sess-2", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice-2", second.ID)

	third, err := r.Register(ctx, "alice", "sess-3", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice-3", third.ID)
}

func TestRegisterReclaimsOfflineSlot(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "alice", "sess-1", nil)
	require.NoError(t, err)

	// Age the holder past the liveness window.
	r.now = func() time.Time { return time.Now().Add(2 * model.LivenessWindow) }

	agent, err := r.Register(ctx, "alice", "sess-2", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", agent.ID)
	assert.Equal(t, "sess-2", agent.SessionID)
}

func TestRegisterNoSessionAgainstLiveHolderHeartbeats(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, "alice", "sess-1", nil)
	require.NoError(t, err)

	// Static client configs cannot carry a session id; a live holder is
	// assumed to be the same caller.
	again, err := r.Register(ctx, "alice", "", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	stored, found, err := r.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "sess-1", stored.SessionID)
}

func TestListSortsAndComputesStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "bob", "s", nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "alice", "s", nil)
	require.NoError(t, err)

	agents, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "alice", agents[0].ID)
	assert.Equal(t, "bob", agents[1].ID)

	r.now = func() time.Time { return time.Now().Add(2 * model.LivenessWindow) }
	agents, err = r.List(ctx)
	require.NoError(t, err)
	for _, a := range agents {
		assert.Equal(t, model.StatusOffline, a.Status)
	}
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "alice", "s", nil)
	require.NoError(t, err)

	later := time.Now().Add(time.Minute)
	r.now = func() time.Time { return later }

	ok, err := r.Touch(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	agent, found, err := r.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.WithinDuration(t, later, agent.LastSeen, time.Second)

	ok, err = r.Touch(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindByBase(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "alice/web", "s", nil)
	require.NoError(t, err)

	agent, found, err := r.FindByBase(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice/web", agent.ID)

	// Prefix match must not cross a name boundary.
	_, found, err = r.FindByBase(ctx, "ali")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoveByPatternCleansQueueKeys(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "ci-build-1", "s", nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "ci-build-2", "s", nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "alice", "s", nil)
	require.NoError(t, err)

	require.NoError(t, s.RPush(ctx, store.InboxKey("ci-build-1"), "pending"))

	removed, err := r.RemoveByPattern(ctx, "ci-*", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"ci-build-1", "ci-build-2"}, removed)

	_, found, err := r.Get(ctx, "ci-build-1")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = r.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)

	n, err := s.LLen(ctx, store.InboxKey("ci-build-1"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemoveByPatternRejectsBadGlob(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.RemoveByPattern(context.Background(), "[", false)
	require.Error(t, err)
	assert.Equal(t, model.CodeInvalidRequest, model.AsError(err).Code)
}

func TestCountOnline(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "alice", "s", nil)
	require.NoError(t, err)

	n, err := r.CountOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
