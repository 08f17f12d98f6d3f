// Package web exposes the gateway over HTTP: auth, chat with SSE streaming,
// session management, config, memory, and diagnostics.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promethea-labs/promethea/internal/gateway"
	"github.com/promethea-labs/promethea/internal/infra"
)

// Server is the HTTP front of the runtime.
type Server struct {
	rt         *gateway.Runtime
	httpServer *http.Server
	configDir  string
}

// publicPaths need no bearer token.
var publicPaths = map[string]bool{
	"/api/auth/register": true,
	"/api/auth/login":    true,
	"/api/status":        true,
	"/metrics":           true,
}

// NewServer builds the routed handler stack. Middleware order: request id,
// logging, auth, rate limit, panic recovery.
func NewServer(rt *gateway.Runtime, configDir string) *Server {
	s := &Server{rt: rt, configDir: configDir}
	snapshot := rt.Config.Snapshot()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/confirm", s.handleChatConfirm)
	mux.HandleFunc("GET /api/sessions", s.handleSessionList)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionDetail)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("GET /api/config", s.handleConfigGet)
	mux.HandleFunc("POST /api/config", s.handleConfigUpdate)
	mux.HandleFunc("POST /api/config/update", s.handleConfigUpdate)
	mux.HandleFunc("POST /api/config/reset", s.handleConfigReset)
	mux.HandleFunc("GET /api/memory/graph/{sid}", s.handleMemoryGraph)
	mux.HandleFunc("POST /api/memory/{op}/{sid}", s.handleMemoryMaintenance)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/doctor", s.handleDoctor)
	mux.HandleFunc("POST /api/doctor/migrate-config", s.handleDoctorMigrate)
	mux.Handle("GET /metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))

	limiter := infra.NewUserLimiter(snapshot.Limits.RequestsPerMinute, snapshot.Limits.Burst)
	handler := chain(mux,
		requestIDMiddleware,
		loggingMiddleware(rt.Logger, rt.Metrics),
		authMiddleware(rt.Auth, publicPaths),
		rateLimitMiddleware(limiter),
		recoverMiddleware(rt.Logger),
	)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", snapshot.Server.Host, snapshot.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the stack for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks until shutdown. A bind failure is reported
// immediately so main can exit with a startup error.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.httpServer.Addr, err)
	}
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight turns up to the configured deadline, then stops
// the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, s.rt.Config.Snapshot().Server.Drain())
	defer cancel()
	s.rt.Scheduler.Shutdown(drainCtx)
	return s.httpServer.Shutdown(ctx)
}
