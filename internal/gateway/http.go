package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/walletbroker/internal/auth"
	"github.com/haasonsaas/walletbroker/internal/port/wsport"
	"github.com/haasonsaas/walletbroker/internal/supervisor"
)

// Handler returns the HTTP surface: metrics, health, the WebSocket port
// bridge, the approval queue and the authorization and activity APIs.
// Deciding approvals and revoking authorizations require a bearer token when
// server.auth.jwt_secret is set.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle(wsport.PathPrefix+"{name}", wsport.NewServer(s.hub, s.logger))
	if s.manual != nil {
		approvals := s.manual.Handler(s.logger)
		mux.Handle("GET /approvals", approvals)
		mux.Handle("POST /approvals/{requestId}/{verb}", s.privileged(approvals))
	}
	mux.HandleFunc("GET /authorizations", s.handleListAuthorizations)
	mux.Handle("DELETE /authorizations", s.privileged(http.HandlerFunc(s.handleRevokeAll)))
	mux.Handle("DELETE /authorizations/{origin}", s.privileged(http.HandlerFunc(s.handleRevoke)))
	mux.HandleFunc("GET /activity/{account}", s.handleActivity)
	return mux
}

func (s *Server) privileged(next http.Handler) http.Handler {
	return auth.Require(s.tokens, s.logger, next)
}

func (s *Server) startHTTPServer() error {
	addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(s.config.Server.HTTPPort))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpListener = lis

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting HTTP server", "addr", lis.Addr().String())
	return nil
}

func (s *Server) stopHTTPServer(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
		_ = s.httpServer.Close()
	}
}

type healthResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Uptime       string            `json:"uptime"`
	ActiveRoutes int               `json:"active_routes"`
	Channels     map[string]string `json:"channels"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		Version:      s.version,
		Uptime:       s.clock.Since(s.startTime).Truncate(time.Second).String(),
		ActiveRoutes: s.router.ActiveRoutes(),
		Channels:     map[string]string{},
	}
	for name, state := range s.router.ChannelStates() {
		resp.Channels[name] = state.String()
		if state != supervisor.StateConnected {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListAuthorizations(w http.ResponseWriter, r *http.Request) {
	list, err := s.stores.Authorizations.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authorizations": list})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	origin, err := url.PathUnescape(r.PathValue("origin"))
	if err != nil || origin == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "origin required"})
		return
	}
	if err := s.stores.Authorizations.Revoke(r.Context(), origin); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	subject, _ := auth.SubjectFromContext(r.Context())
	s.logger.Info("authorization revoked", "origin", origin, "by", subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.stores.Authorizations.RevokeAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.logger.Info("authorizations revoked", "count", n)
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	list, err := s.stores.Activity.List(r.Context(), r.PathValue("account"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": list})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
