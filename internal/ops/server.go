// ABOUTME: Operator HTTP surface: health, metrics, parked work recovery
// ABOUTME: Unblocks parked listeners and requeues errored inbound messages

package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chipatala/chat-engine/internal/config"
	"github.com/chipatala/chat-engine/internal/store"
)

// Server exposes the operator API over HTTP.
type Server struct {
	store  *store.Store
	auth   *Authenticator
	cfg    config.OpsConfig
	logger *slog.Logger
	http   *http.Server
}

// New builds the operator server. Start must be called to begin serving.
func New(s *store.Store, cfg config.OpsConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store:  s,
		auth:   NewAuthenticator(cfg.TokenHash, cfg.JWTSecret),
		cfg:    cfg,
		logger: logger.With("component", "ops"),
	}
	srv.http = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler builds the route table. Health and metrics are unauthenticated;
// everything under /api requires a bearer token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET "+s.cfg.MetricsPath, promhttp.Handler())

	api := http.NewServeMux()
	api.HandleFunc("GET /api/listeners/failed", s.handleFailedListeners)
	api.HandleFunc("POST /api/listeners/{id}/unblock", s.handleUnblockListener)
	api.HandleFunc("GET /api/messages/errored", s.handleErroredMessages)
	api.HandleFunc("POST /api/messages/{id}/requeue", s.handleRequeueMessage)
	mux.Handle("/api/", s.auth.middleware(api))

	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("ops server listening", "addr", s.cfg.HTTPAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server failed", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listenerResponse struct {
	ID           string  `json:"id"`
	EventID      string  `json:"event_id"`
	ListenerName string  `json:"listener_name"`
	ErrorMessage *string `json:"error_message"`
	ErrorCount   int     `json:"error_count"`
	BackoffUntil *string `json:"backoff_until"`
	CreatedAt    string  `json:"created_at"`
}

func toListenerResponse(l *store.EventListener) listenerResponse {
	resp := listenerResponse{
		ID:           l.ID,
		EventID:      l.EventID,
		ListenerName: l.ListenerName,
		ErrorMessage: l.ErrorMessage,
		ErrorCount:   l.ErrorCount,
		CreatedAt:    l.CreatedAt.Format(time.RFC3339),
	}
	if l.BackoffUntil != nil {
		b := l.BackoffUntil.Format(time.RFC3339)
		resp.BackoffUntil = &b
	}
	return resp
}

func (s *Server) handleFailedListeners(w http.ResponseWriter, r *http.Request) {
	listeners, err := s.store.ListFailedListeners(r.Context())
	if err != nil {
		s.serverError(w, "listing failed listeners", err)
		return
	}
	resp := make([]listenerResponse, 0, len(listeners))
	for _, l := range listeners {
		resp = append(resp, toListenerResponse(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"listeners": resp})
}

func (s *Server) handleUnblockListener(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.UnblockListener(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "listener not found or already processed"})
	case err != nil:
		s.serverError(w, "unblocking listener", err)
	default:
		s.logger.Info("listener unblocked", "listener_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
	}
}

type messageResponse struct {
	ID                string  `json:"id"`
	ChatbotName       string  `json:"chatbot_name"`
	SentByPhoneNumber string  `json:"sent_by_phone_number"`
	Body              string  `json:"body"`
	ErrorCommitHash   *string `json:"error_commit_hash"`
	ErrorMessage      *string `json:"error_message"`
	CreatedAt         string  `json:"created_at"`
}

func (s *Server) handleErroredMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListErroredMessages(r.Context())
	if err != nil {
		s.serverError(w, "listing errored messages", err)
		return
	}
	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageResponse{
			ID:                m.ID,
			ChatbotName:       m.ChatbotName,
			SentByPhoneNumber: m.SentByPhoneNumber,
			Body:              m.Body,
			ErrorCommitHash:   m.ErrorCommitHash,
			ErrorMessage:      m.ErrorMessage,
			CreatedAt:         m.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": resp})
}

func (s *Server) handleRequeueMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.RequeueMessage(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
	case err != nil:
		s.serverError(w, "requeueing message", err)
	default:
		s.logger.Info("message requeued", "message_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
	}
}

func (s *Server) serverError(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
