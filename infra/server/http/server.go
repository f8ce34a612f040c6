// Package http assembles the chi router over all three handler surfaces
// and ties the listener into the fx lifecycle.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/fx"

	"github.com/michaelansel/c3po/config"
	"github.com/michaelansel/c3po/internal/handler/rest"
	"github.com/michaelansel/c3po/internal/handler/rpc"
	"github.com/michaelansel/c3po/internal/handler/ws"
	"github.com/michaelansel/c3po/internal/shutdown"
)

func NewRouter(rpcH *rpc.Handler, restH *rest.Handler, wsH *ws.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	rpcH.Routes(r)
	restH.Routes(r)
	wsH.Routes(r)
	return r
}

type Server struct {
	srv      *http.Server
	logger   *slog.Logger
	draining *shutdown.Signal
	grace    time.Duration
}

func NewServer(cfg *config.Config, router chi.Router, draining *shutdown.Signal, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:    cfg.Listen,
			Handler: router,
			// Waits run up to an hour; only bound the read side.
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:   logger.With("component", "http"),
		draining: draining,
		grace:    cfg.ShutdownGrace,
	}
}

func (s *Server) Start() {
	go func() {
		s.logger.Info("listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed", "err", err)
		}
	}()
}

// Stop drains: first flip the process-wide signal so in-flight waits
// return retry, then shut the listener down within the grace period.
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Trigger()
	s.logger.Info("draining", "grace", s.grace)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

var Module = fx.Module("http_server",
	fx.Provide(
		NewRouter,
		NewServer,
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return s.Stop(ctx)
			},
		})
	}),
)
