// Package api provides the HTTP surface of the relay: the operator REST API
// and the WebSocket endpoints for devices and controller consoles.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/emberbank/fleetrelay/internal/config"
	"github.com/emberbank/fleetrelay/internal/dispatch"
	"github.com/emberbank/fleetrelay/internal/gateway"
	"github.com/emberbank/fleetrelay/internal/journal"
	"github.com/emberbank/fleetrelay/internal/registry"
	"github.com/emberbank/fleetrelay/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	reg          *registry.Registry
	disp         *dispatch.Dispatcher
	jnl          journal.Journal
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
}

// NewServer wires the REST routes and WebSocket endpoints.
func NewServer(reg *registry.Registry, disp *dispatch.Dispatcher, gw *gateway.Gateway, jnl journal.Journal, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		reg:          reg,
		disp:         disp,
		jnl:          jnl,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Get("/ws/device", gw.HandleDevice)
	mux.Get("/ws/controller", gw.HandleController)

	mux.Get("/api/sessions", srv.handleListSessions)
	mux.Get("/api/sessions/{deviceID}", srv.handleGetSession)
	mux.Get("/api/sessions/{deviceID}/messages", srv.handleGetMessages)

	mux.Post("/api/commands/message", srv.handleSendMessage)
	mux.Post("/api/commands/identity", srv.handleRequestIdentity)
	mux.Post("/api/commands/transaction-log", srv.handleRequestTransactionLog)
	mux.Post("/api/commands/revoke", srv.handleRevoke)
	mux.Post("/api/commands/gateway", srv.handleSwitchGateway)
	mux.Post("/api/commands/loan", srv.handleLoanDecision)

	mux.Get("/api/audit/events", srv.handleListAuditEvents)

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.jnl.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.reg.List()
	if sessions == nil {
		sessions = []registry.Snapshot{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	snap, err := s.reg.Get(deviceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	messages, err := s.reg.Messages(deviceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	// Optional resume point: only messages after a known sequence.
	if v := r.URL.Query().Get("after_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			filtered := messages[:0]
			for _, m := range messages {
				if m.Sequence > n {
					filtered = append(filtered, m)
				}
			}
			messages = filtered
		}
	}
	if messages == nil {
		messages = []registry.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// --- Command handlers ---

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendMessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TargetID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "targetId and text are required")
		return
	}
	s.finishCommand(w, s.disp.SendMessage(r.Context(), req.TargetID, req.Text))
}

func (s *Server) handleRequestIdentity(w http.ResponseWriter, r *http.Request) {
	var req protocol.TargetRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "targetId is required")
		return
	}
	s.finishCommand(w, s.disp.RequestIdentity(r.Context(), req.TargetID))
}

func (s *Server) handleRequestTransactionLog(w http.ResponseWriter, r *http.Request) {
	var req protocol.TargetRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "targetId is required")
		return
	}
	s.finishCommand(w, s.disp.RequestTransactionLog(r.Context(), req.TargetID))
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req protocol.RevokeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "targetId is required")
		return
	}
	s.finishCommand(w, s.disp.Revoke(r.Context(), req.TargetID, req.Reason))
}

func (s *Server) handleSwitchGateway(w http.ResponseWriter, r *http.Request) {
	var req protocol.SwitchGatewayRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.GatewayID == "" {
		writeError(w, http.StatusBadRequest, "gatewayId is required")
		return
	}
	sent, err := s.disp.SwitchGateway(r.Context(), req.GatewayID, req.TargetID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "recipients": sent})
}

func (s *Server) handleLoanDecision(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoanDecisionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TargetID == "" || req.LoanID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "targetId, loanId and status are required")
		return
	}
	s.finishCommand(w, s.disp.LoanDecision(r.Context(), req.TargetID, req.LoanID, req.Status))
}

// --- Audit handlers ---

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.jnl.List(r.Context(), journal.Filter{
		Action:   r.URL.Query().Get("action"),
		DeviceID: r.URL.Query().Get("device_id"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Helpers ---

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) finishCommand(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrOffline):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Warn("command dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "command dispatch failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
