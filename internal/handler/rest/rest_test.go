package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelansel/c3po/config"
	"github.com/michaelansel/c3po/infra/store"
	"github.com/michaelansel/c3po/internal/audit"
	"github.com/michaelansel/c3po/internal/auth"
	"github.com/michaelansel/c3po/internal/blob"
	"github.com/michaelansel/c3po/internal/handler/rpc"
	"github.com/michaelansel/c3po/internal/inbox"
	"github.com/michaelansel/c3po/internal/ratelimit"
	"github.com/michaelansel/c3po/internal/registry"
	"github.com/michaelansel/c3po/internal/service"
	"github.com/michaelansel/c3po/internal/shutdown"
)

func newTestServer(t *testing.T, cfg config.Auth) *httptest.Server {
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
	mgr := auth.NewManager(&config.Config{Auth: cfg}, s, logger)
	auditor := audit.New(s, logger)
	broker := service.NewBroker(reg, mail, mgr, mgr,
		ratelimit.New(s, logger), auditor, blob.New(s, logger), logger)

	r := chi.NewRouter()
	NewHandler(broker, mgr, auditor, logger).Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, headers map[string]string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var out map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, config.Auth{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"ok"`, string(body["status"]))
	assert.JSONEq(t, `0`, string(body["agents_online"]))
}

func TestRegisterPendingWait(t *testing.T) {
	srv := newTestServer(t, config.Auth{})
	headers := map[string]string{
		rpc.HeaderMachineName: "alice",
		rpc.HeaderSessionID:   "sess-1",
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/agent/api/register", headers, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body["error"]))
	assert.JSONEq(t, `"alice"`, string(body["agent_id"]))

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/agent/api/pending/alice", headers, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `0`, string(body["pending"]))

	// An empty inbox long-poll with the minimum timeout comes back as a
	// structured timeout, not an error.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/agent/api/wait/alice?timeout=1", headers, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"timeout"`, string(body["status"]))
}

func TestUnregisterFallsBackToIdentity(t *testing.T) {
	srv := newTestServer(t, config.Auth{})
	headers := map[string]string{rpc.HeaderMachineName: "alice"}

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/agent/api/register", headers, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/agent/api/unregister", headers, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `true`, string(body["removed"]))
}

func TestValidateReportsSource(t *testing.T) {
	srv := newTestServer(t, config.Auth{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/agent/api/validate", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `true`, string(body["valid"]))
	assert.JSONEq(t, `"no-auth"`, string(body["source"]))
}

func TestAgentRoutesRejectBadCredential(t *testing.T) {
	srv := newTestServer(t, config.Auth{ServerSecret: "sec", AdminKey: "adm"})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/agent/api/validate",
		map[string]string{"Authorization": "Bearer wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `"AUTH_FAILED"`, string(body["code"]))
}

func TestBlobUploadDownload(t *testing.T) {
	srv := newTestServer(t, config.Auth{})
	content := []byte{0xde, 0xad, 0xbe, 0xef}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/agent/api/blob", bytes.NewReader(content))
	require.NoError(t, err)
	req.Header.Set(rpc.HeaderMachineName, "alice")
	req.Header.Set("X-Filename", "core.bin")
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var meta struct {
		BlobID string `json:"blob_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	require.NotEmpty(t, meta.BlobID)

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/agent/api/blob/"+meta.BlobID, nil)
	require.NoError(t, err)
	req.Header.Set(rpc.HeaderMachineName, "alice")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "core.bin")

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadMissingBlobIs404(t *testing.T) {
	srv := newTestServer(t, config.Auth{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/agent/api/blob/blob-missing",
		map[string]string{rpc.HeaderMachineName: "alice"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `"BLOB_NOT_FOUND"`, string(body["code"]))
}
