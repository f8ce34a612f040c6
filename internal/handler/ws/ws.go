// Package ws streams wake events over a WebSocket: one JSON frame per
// notify token, carrying the same {"status","pending"} shape as
// wait_for_message. Clients that keep a socket open never long-poll.
package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/michaelansel/c3po/internal/auth"
	"github.com/michaelansel/c3po/internal/domain/model"
	"github.com/michaelansel/c3po/internal/handler/rpc"
	"github.com/michaelansel/c3po/internal/inbox"
	"github.com/michaelansel/c3po/internal/service"
)

// waitSlice bounds each blocking wait so the pump can notice a closed
// socket or shutdown between slices.
const waitSlice = 25 * time.Second

type Handler struct {
	logger   *slog.Logger
	broker   *service.Broker
	auther   auth.Auther
	upgrader websocket.Upgrader
}

func NewHandler(logger *slog.Logger, broker *service.Broker, auther auth.Auther) *Handler {
	return &Handler{
		logger: logger.With("handler", "ws"),
		broker: broker,
		auther: auther,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/agent/api/ws/{agentID}", h.Stream)
}

func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if !model.ValidAgentID(agentID) {
		rpc.WriteError(w, model.ErrInvalidRequest("agent_id", "does not match the agent id grammar"))
		return
	}

	result := h.auther.Validate(r.Context(), r.Header.Get("Authorization"), auth.PathAgent)
	if !result.Valid {
		rpc.WriteError(w, model.ErrAuthFailed(result.Reason))
		return
	}
	id := service.Identity{AgentID: agentID, Auth: result}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "agent", agentID, "err", err)
		return
	}
	defer conn.Close()

	logger := h.logger.With("agent", agentID)
	logger.Info("ws opened")

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("ws closed by client")
			return
		default:
		}

		wake, err := h.broker.WaitForMessage(r.Context(), id, agentID, waitSlice)
		if err != nil {
			_ = conn.WriteJSON(model.AsError(err))
			logger.Warn("ws wait failed", "err", err)
			return
		}

		switch wake.Status {
		case inbox.WaitReady:
			if err := conn.WriteJSON(wake); err != nil {
				logger.Debug("ws send failed", "err", err)
				return
			}
		case inbox.WaitRetry:
			// Shutting down: tell the client to reconnect elsewhere.
			_ = conn.WriteJSON(wake)
			return
		default:
			// Slice elapsed with no traffic; ping to detect dead peers.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				logger.Debug("ws peer gone", "err", err)
				return
			}
		}
	}
}
