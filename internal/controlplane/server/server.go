// Package server implements the control plane's top-level HTTP surface:
// health/status, config reload/rollback, per-channel webhook ingress, and
// the heartbeat/cron program registries. It is grounded on
// internal/gitai/control/server.go's mux-plus-Handlers-bundle idiom,
// generalized from the Agent Control Protocol's fixed endpoint set to the
// control plane's adapter-driven route table.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/mu/common/trace"
	"github.com/bdobrica/mu/internal/controlplane/envelope"
	"github.com/bdobrica/mu/internal/controlplane/generation"
	"github.com/bdobrica/mu/internal/controlplane/ingress"
	"github.com/bdobrica/mu/internal/controlplane/operatortooling"
	"github.com/bdobrica/mu/internal/controlplane/pipeline"
	"github.com/bdobrica/mu/internal/controlplane/program"
	"github.com/bdobrica/mu/internal/controlplane/reason"
)

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is returned by GET /api/control-plane/status.
type StatusResponse struct {
	Version      string  `json:"version"`
	ConfigHash   string  `json:"config_hash"`
	Uptime       float64 `json:"uptime_seconds"`
	GenerationID string  `json:"generation_id,omitempty"`
}

// ReloadRequest is the body of POST /api/control-plane/reload.
type ReloadRequest struct {
	YAML string `json:"yaml"`
}

// ReloadResponse is returned by a successful reload.
type ReloadResponse struct {
	ConfigHash string `json:"config_hash"`
}

// Handlers bundles the callbacks Server delegates to, mirroring the
// teacher's control.Handlers shape: every field is a narrow function, so
// Server itself never reaches into config/pipeline/generation internals
// directly.
type Handlers struct {
	// Version is the running binary's version string.
	Version string
	// StartedAt is the time the process started, for uptime reporting.
	StartedAt time.Time

	// ConfigHash returns the hash of the currently applied MuConfig.
	ConfigHash func() string
	// ApplyConfig validates and hot-swaps a new MuConfig document.
	ApplyConfig func(yaml string) (hash string, err error)
	// Generation reports the current blue/green generation, or nil before
	// the first successful reload.
	Generation func() *generation.Identity
	// Reload triggers a generation.Supervisor.Reload.
	Reload func(ctx context.Context, reason string) generation.Attempt
	// Rollback triggers a generation.Supervisor.Rollback.
	Rollback func(ctx context.Context) generation.Rollback

	// Adapters is the set of verified ingress channels this instance
	// accepts deliveries from, keyed by route.
	Adapters map[string]ingress.Adapter
	// HandleInbound runs a normalized envelope through the command
	// pipeline.
	HandleInbound func(ctx context.Context, env envelope.InboundEnvelope, nowMS int64) (pipeline.Result, error)

	// Tooling is the operator façade backing the DLQ/audit/kill-switch
	// surface; nil disables those routes entirely rather than 500ing.
	Tooling *operatortooling.Tooling

	// Heartbeats lists the registered HeartbeatPrograms for GET
	// /api/heartbeats; nil disables the route.
	Heartbeats *program.HeartbeatRegistry
	// Cron lists the registered CronPrograms for GET /api/cron; nil
	// disables the route.
	Cron *program.CronRegistry

	// Now returns the injected clock's current time in epoch
	// milliseconds, so tests can drive deterministic envelopes.
	Now func() int64
}

// Server is the control plane's HTTP surface.
type Server struct {
	addr     string
	handlers Handlers
	mux      *http.ServeMux
	server   *http.Server
}

// New builds a Server and registers every route spec §4.14/§9 names. Adapter
// webhook routes are registered per the handlers.Adapters map, so a deployment
// with only a Slack adapter configured exposes only /webhooks/slack.
func New(addr string, h Handlers) *Server {
	s := &Server{addr: addr, handlers: h}
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/control-plane/status", s.handleStatus)
	mux.HandleFunc("/api/control-plane/reload", s.handleReload)
	mux.HandleFunc("/api/control-plane/rollback", s.handleRollback)

	if h.Tooling != nil {
		mux.HandleFunc("/api/control-plane/dlq", s.handleDLQList)
		mux.HandleFunc("/api/control-plane/killswitch", s.handleKillSwitch)
	}

	if h.Heartbeats != nil {
		mux.HandleFunc("/api/heartbeats", s.handleHeartbeats)
	}
	if h.Cron != nil {
		mux.HandleFunc("/api/cron", s.handleCron)
	}

	for route, adapter := range h.Adapters {
		mux.HandleFunc(route, s.webhookHandler(adapter))
	}

	s.mux = mux
	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening. It returns once the listener is bound so callers
// can immediately start sending requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	slog.Info("control plane server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("control plane server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// TestHandler exposes the route mux directly, so tests can drive it with
// httptest.NewServer without binding a real listener via Start.
func (s *Server) TestHandler() http.Handler {
	return s.mux
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// --- control-plane handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hash := ""
	if s.handlers.ConfigHash != nil {
		hash = s.handlers.ConfigHash()
	}
	var genID string
	if s.handlers.Generation != nil {
		if ident := s.handlers.Generation(); ident != nil {
			genID = ident.GenerationID
		}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:      s.handlers.Version,
		ConfigHash:   hash,
		Uptime:       time.Since(s.handlers.StartedAt).Seconds(),
		GenerationID: genID,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ReloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if s.handlers.ApplyConfig == nil {
		writeError(w, http.StatusServiceUnavailable, "config reload not available")
		return
	}
	hash, err := s.handlers.ApplyConfig(req.YAML)
	if err != nil {
		slog.Error("config reload failed", "err", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if s.handlers.Reload != nil {
		attempt := s.handlers.Reload(r.Context(), "config reload")
		if attempt.Error != "" {
			slog.Error("generation reload failed", "err", attempt.Error)
			writeError(w, http.StatusUnprocessableEntity, attempt.Error)
			return
		}
	}
	slog.Info("config applied", "hash", hash[:min(12, len(hash))])
	writeJSON(w, http.StatusOK, ReloadResponse{ConfigHash: hash})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.handlers.Rollback == nil {
		writeError(w, http.StatusServiceUnavailable, "rollback not available")
		return
	}
	rb := s.handlers.Rollback(r.Context())
	writeJSON(w, http.StatusOK, rb)
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.Tooling.DLQList())
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Scope   operatortooling.KillSwitchScope `json:"scope"`
		Channel envelope.Channel                `json:"channel"`
		Class   string                          `json:"class"`
		Disable bool                            `json:"disable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	s.handlers.Tooling.KillSwitchSet(req.Scope, req.Channel, req.Class, req.Disable)
	w.WriteHeader(http.StatusOK)
}

// handleHeartbeats lists the registered HeartbeatPrograms, per spec's
// /api/heartbeats HTTP surface entry.
func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.Heartbeats.List())
}

// handleCron lists the registered CronPrograms, per spec's /api/cron HTTP
// surface entry.
func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.Cron.List())
}

// --- webhook ingress ---

// webhookHandler wraps one ingress.Adapter's Verify→Normalize→ImmediateACK
// pipeline, per spec §4.14: the adapter's ImmediateACK is always the HTTP
// response body regardless of what HandleInbound ultimately decides, since
// that decision is delivered asynchronously through the outbox.
func (s *Server) webhookHandler(adapter ingress.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		headers := make(map[string]string, len(r.Header))
		for k := range r.Header {
			headers[k] = r.Header.Get(k)
		}
		req := ingress.Request{Headers: headers, Body: body}
		now := s.nowMS()

		if err := adapter.Verify(req, now); err != nil {
			slog.Warn("adapter verification failed", "channel", adapter.Spec().Channel, "err", err)
			writeDenyStatus(w, err)
			return
		}

		requestID := r.Header.Get("x-request-id")
		if requestID == "" {
			requestID = trace.GenerateID()
		}
		ctx := trace.WithTraceID(r.Context(), requestID)

		env, err := adapter.Normalize(req, now, requestID)
		if err != nil {
			slog.Warn("adapter normalize failed", "channel", adapter.Spec().Channel, "trace_id", requestID, "err", err)
			writeDenyStatus(w, err)
			return
		}

		ack := adapter.ImmediateACK()
		if ack.ContentType != "" {
			w.Header().Set("Content-Type", ack.ContentType)
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, ack.Body)

		if s.handlers.HandleInbound == nil {
			return
		}
		// The detailed result is delivered through the outbox, not this
		// response: run HandleInbound after the ACK is already written.
		if _, err := s.handlers.HandleInbound(ctx, env, now); err != nil {
			slog.Error("handle inbound failed", "channel", adapter.Spec().Channel, "trace_id", requestID, "err", err)
		}
	}
}

func (s *Server) nowMS() int64 {
	if s.handlers.Now != nil {
		return s.handlers.Now()
	}
	return time.Now().UnixMilli()
}

func writeDenyStatus(w http.ResponseWriter, err error) {
	if de, ok := err.(*reason.DenyError); ok {
		writeError(w, http.StatusForbidden, de.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
