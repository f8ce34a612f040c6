// Package rpc is the method-dispatch surface: POST /mcp carries
// {"method": m, "params": {...}} and answers {"result": ...} or the
// structured error shape {"error","code","suggestion"}.
package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/michaelansel/c3po/internal/audit"
	"github.com/michaelansel/c3po/internal/auth"
	"github.com/michaelansel/c3po/internal/domain/model"
	"github.com/michaelansel/c3po/internal/service"
)

// Identity headers set by the client (or the front proxy).
const (
	HeaderMachineName = "Machine-Name"
	HeaderProjectName = "Project-Name"
	HeaderSessionID   = "Session-ID"
	HeaderAuthPath    = "Auth-Path"
)

const maxBodyBytes = 8 << 20

type Handler struct {
	broker  *service.Broker
	auther  auth.Auther
	auditor audit.Auditor
	logger  *slog.Logger

	methods map[string]methodFunc
}

func NewHandler(broker *service.Broker, auther auth.Auther, auditor audit.Auditor, logger *slog.Logger) *Handler {
	h := &Handler{
		broker:  broker,
		auther:  auther,
		auditor: auditor,
		logger:  logger.With("handler", "rpc"),
	}
	h.methods = h.methodTable()
	return h
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/mcp", h.Dispatch)
}

type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// caller is the per-request context the method funcs receive: the
// authenticated identity plus the session id from the headers.
type caller struct {
	service.Identity
	SessionID string
}

func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req request
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		WriteError(w, model.ErrInvalidRequest("body", "not a valid JSON-RPC envelope"))
		return
	}
	if req.Method == "" {
		WriteError(w, model.ErrInvalidRequest("method", "must not be empty"))
		return
	}

	fn, known := h.methods[req.Method]
	if !known {
		WriteError(w, model.ErrInvalidRequest("method", "unknown method '"+req.Method+"'"))
		return
	}

	id, authErr := h.authenticate(r)
	if authErr != nil {
		WriteError(w, authErr)
		return
	}

	result, err := fn(ctx, id, req.Params)
	if err != nil {
		h.logger.Debug("method failed", "method", req.Method, "err", err)
		WriteError(w, model.AsError(err))
		return
	}
	writeResult(w, result)
}

// authenticate validates the bearer credential under the mode named by
// the Auth-Path header and assembles the caller identity from the
// Machine-Name / Project-Name headers.
func (h *Handler) authenticate(r *http.Request) (caller, *model.Error) {
	pathPrefix := normalizeAuthPath(r.Header.Get(HeaderAuthPath))
	result := h.auther.Validate(r.Context(), r.Header.Get("Authorization"), pathPrefix)
	if !result.Valid {
		h.auditor.Log(r.Context(), "auth_failure", map[string]string{
			"path":   pathPrefix,
			"reason": result.Reason,
		})
		return caller{}, model.ErrAuthFailed(result.Reason)
	}
	h.auditor.Log(r.Context(), "auth_success", map[string]string{
		"path":   pathPrefix,
		"source": string(result.Source),
		"key_id": result.KeyID,
	})

	agentID := ""
	if machine := r.Header.Get(HeaderMachineName); machine != "" {
		agentID = model.FullAgentID(machine, r.Header.Get(HeaderProjectName))
	}
	return caller{
		Identity:  service.Identity{AgentID: agentID, Auth: result},
		SessionID: r.Header.Get(HeaderSessionID),
	}, nil
}

// normalizeAuthPath maps the Auth-Path header onto a validation mode.
// Anything unrecognized means the request came through the front proxy.
func normalizeAuthPath(header string) string {
	switch header {
	case auth.PathAgent, auth.PathAdmin, auth.PathPublic:
		return header
	default:
		return auth.PathOAuth
	}
}

func writeResult(w http.ResponseWriter, result any) {
	WriteJSON(w, http.StatusOK, map[string]any{"result": result})
}

// WriteJSON and WriteError are the wire-shape helpers shared by every
// HTTP surface.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, err *model.Error) {
	WriteJSON(w, httpStatus(err.Code), err)
}

func httpStatus(code string) int {
	switch code {
	case model.CodeInvalidRequest, model.CodeBlobTooLarge:
		return http.StatusBadRequest
	case model.CodeAuthFailed:
		return http.StatusUnauthorized
	case model.CodeForbidden:
		return http.StatusForbidden
	case model.CodeAgentNotFound, model.CodeBlobNotFound:
		return http.StatusNotFound
	case model.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}
