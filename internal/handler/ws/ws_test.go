package ws

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
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
	"github.com/michaelansel/c3po/internal/service"
	"github.com/michaelansel/c3po/internal/shutdown"
)

func newTestStream(t *testing.T) (*httptest.Server, *service.Broker) {
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
	mgr := auth.NewManager(&config.Config{}, s, logger)
	broker := service.NewBroker(reg, mail, mgr, mgr,
		ratelimit.New(s, logger), audit.New(s, logger), blob.New(s, logger), logger)

	r := chi.NewRouter()
	NewHandler(logger, broker, mgr).Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, broker
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestStreamWakesOnMessage(t *testing.T) {
	srv, broker := newTestStream(t)
	ctx := context.Background()

	_, err := broker.RegisterAgent(ctx, service.Identity{
		Auth: validDev(),
	}, "bob", "sess-1", nil)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/agent/api/ws/bob"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// A send after the socket is parked produces a wake frame.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = broker.SendMessage(ctx, service.Identity{AgentID: "alice", Auth: validDev()}, "bob", "wake up", "")
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var wake inbox.WaitResult
	require.NoError(t, conn.ReadJSON(&wake))
	assert.Equal(t, inbox.WaitReady, wake.Status)
	assert.GreaterOrEqual(t, wake.Pending, 1)
}

func TestStreamRejectsBadAgentID(t *testing.T) {
	srv, _ := newTestStream(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/agent/api/ws/-bad"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func validDev() model.AuthResult {
	return model.AuthResult{Valid: true, Source: model.SourceNoAuth, AgentPattern: "*"}
}
