// Package rest carries the hook-oriented endpoints: health, register,
// pending, wait, unregister, validate and the blob upload/download pair.
// Everything under /agent/api is bearer-authenticated in agent mode.
package rest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/michaelansel/c3po/internal/audit"
	"github.com/michaelansel/c3po/internal/auth"
	"github.com/michaelansel/c3po/internal/domain/model"
	"github.com/michaelansel/c3po/internal/handler/rpc"
	"github.com/michaelansel/c3po/internal/service"
)

const maxUploadBytes = 6 << 20

type Handler struct {
	broker  *service.Broker
	auther  auth.Auther
	auditor audit.Auditor
	logger  *slog.Logger
}

func NewHandler(broker *service.Broker, auther auth.Auther, auditor audit.Auditor, logger *slog.Logger) *Handler {
	return &Handler{
		broker:  broker,
		auther:  auther,
		auditor: auditor,
		logger:  logger.With("handler", "rest"),
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Route("/agent/api", func(r chi.Router) {
		r.Use(h.withIdentity)
		r.Post("/register", h.Register)
		r.Get("/pending/{agentID}", h.Pending)
		r.Get("/wait/{agentID}", h.Wait)
		r.Post("/unregister", h.Unregister)
		r.Get("/validate", h.Validate)
		r.Post("/blob", h.UploadBlob)
		r.Get("/blob/{blobID}", h.DownloadBlob)
	})
}

// Health is unauthenticated so load balancers and hooks can probe it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	online, err := h.broker.CountOnline(r.Context())
	if err != nil {
		rpc.WriteError(w, model.AsError(err))
		return
	}
	rpc.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"agents_online": online,
	})
}

type ctxKey int

const identityKey ctxKey = iota

// withIdentity authenticates the bearer credential in agent mode and
// stashes the assembled identity on the request context.
func (h *Handler) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := h.auther.Validate(r.Context(), r.Header.Get("Authorization"), auth.PathAgent)
		if !result.Valid {
			h.auditor.Log(r.Context(), "auth_failure", map[string]string{
				"path":   r.URL.Path,
				"reason": result.Reason,
			})
			rpc.WriteError(w, model.ErrAuthFailed(result.Reason))
			return
		}

		agentID := ""
		if machine := r.Header.Get(rpc.HeaderMachineName); machine != "" {
			agentID = model.FullAgentID(machine, r.Header.Get(rpc.HeaderProjectName))
		}
		id := service.Identity{AgentID: agentID, Auth: result}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func identity(r *http.Request) service.Identity {
	id, _ := r.Context().Value(identityKey).(service.Identity)
	return id
}

// pathAgent prefers the URL parameter, falling back to the header-derived
// identity for hooks that only know themselves.
func pathAgent(r *http.Request, param string) string {
	if v := chi.URLParam(r, param); v != "" {
		return v
	}
	return identity(r).AgentID
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string   `json:"name"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		rpc.WriteError(w, model.ErrInvalidRequest("body", "not valid JSON"))
		return
	}
	id := identity(r)
	agent, err := h.broker.RegisterAgent(r.Context(), id, body.Name, r.Header.Get(rpc.HeaderSessionID), body.Capabilities)
	if err != nil {
		rpc.WriteError(w, model.AsError(err))
		return
	}
	rpc.WriteJSON(w, http.StatusOK, agent)
}

func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.broker.PeekMessages(r.Context(), identity(r), pathAgent(r, "agentID"))
	if err != nil {
		rpc.WriteError(w, model.AsError(err))
		return
	}
	rpc.WriteJSON(w, http.StatusOK, map[string]any{
		"pending":  len(msgs),
		"messages": msgs,
	})
}

// Wait long-polls the notify channel; ?timeout= is in seconds.
func (h *Handler) Wait(w http.ResponseWriter, r *http.Request) {
	seconds := 30.0
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			rpc.WriteError(w, model.ErrInvalidRequest("timeout", "not a number"))
			return
		}
		seconds = parsed
	}
	timeout, err := rpc.WaitTimeout(seconds)
	if err != nil {
		rpc.WriteError(w, model.AsError(err))
		return
	}

	result, err := h.broker.WaitForMessage(r.Context(), identity(r), pathAgent(r, "agentID"), timeout)
	if err != nil {
		rpc.WriteError(w, model.AsError(err))
		return
	}
	rpc.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) Unregister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		rpc.WriteError(w, model.ErrInvalidRequest("body", "not valid JSON"))
		return
	}
	id := identity(r)
	agentID := body.AgentID
	if agentID == "" {
		agentID = id.AgentID
	}
	removed, err := h.broker.UnregisterAgent(r.Context(), id, agentID)
	if err != nil {
		rpc.WriteError(w, model.AsError(err))
		return
	}
	rpc.WriteJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// Validate lets hooks check a credential without side effects.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	rpc.WriteJSON(w, http.StatusOK, map[string]any{
		"valid":         true,
		"source":        id.Auth.Source,
		"key_id":        id.Auth.KeyID,
		"agent_pattern": id.Auth.AgentPattern,
	})
}

// UploadBlob takes the raw request body; filename and content type come
// from headers.
func (h *Handler) UploadBlob(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		rpc.WriteError(w, model.ErrBlobTooLarge(maxUploadBytes, maxUploadBytes-(1<<20)))
		return
	}
	meta, err := h.broker.UploadBlob(r.Context(), identity(r), content,
		r.Header.Get("X-Filename"), r.Header.Get("Content-Type"))
	if err != nil {
		rpc.WriteError(w, model.AsError(err))
		return
	}
	rpc.WriteJSON(w, http.StatusOK, meta)
}

func (h *Handler) DownloadBlob(w http.ResponseWriter, r *http.Request) {
	content, meta, err := h.broker.DownloadBlob(r.Context(), identity(r), chi.URLParam(r, "blobID"))
	if err != nil {
		rpc.WriteError(w, model.AsError(err))
		return
	}
	w.Header().Set("Content-Type", meta.MimeType)
	if meta.Filename != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+meta.Filename+`"`)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}
