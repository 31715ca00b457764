// Package api serves the JSON request surface over net/http.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"routegate/internal/domain"
	"routegate/internal/orchestrator"
)

// Server exposes the orchestrator over HTTP.
type Server struct {
	svc    *orchestrator.Service
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds the API server for the given listen address.
func NewServer(addr string, svc *orchestrator.Service, logger *slog.Logger) *Server {
	s := &Server{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/completions", s.handleComplete)
	mux.HandleFunc("POST /v1/completions/stream", s.handleCompleteStream)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Shutdown stops the listener and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req domain.LLMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewError(domain.ErrValidation, "invalid request body: %v", err))
		return
	}

	resp, err := s.svc.Complete(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompleteStream(w http.ResponseWriter, r *http.Request) {
	var req domain.LLMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewError(domain.ErrValidation, "invalid request body: %v", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, domain.NewError(domain.ErrServer, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for ev := range s.svc.CompleteStream(r.Context(), &req) {
		line := map[string]any{}
		switch {
		case ev.Err != nil:
			line["error"] = ev.Err.Error()
			line["done"] = true
		case ev.Done:
			line["done"] = true
			line["response"] = ev.Final
		default:
			line["delta"] = ev.Delta
		}
		if err := enc.Encode(line); err != nil {
			return
		}
		flusher.Flush()
	}
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Message   string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewError(domain.ErrValidation, "invalid request body: %v", err))
		return
	}

	result, err := s.svc.ChatWithContext(r.Context(), req.SessionID, req.Message, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case domain.ErrValidation:
		status = http.StatusBadRequest
	case domain.ErrNotFound:
		status = http.StatusNotFound
	case domain.ErrAuth:
		status = http.StatusUnauthorized
	case domain.ErrRateLimit:
		status = http.StatusTooManyRequests
	case domain.ErrTimeout:
		status = http.StatusGatewayTimeout
	case domain.ErrServiceUnavailable:
		status = http.StatusServiceUnavailable
	}
	if errors.Is(err, domain.ErrQueueFull) {
		status = http.StatusTooManyRequests
	}

	var body errorBody
	body.Error.Kind = string(kind)
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
