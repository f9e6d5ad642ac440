// Package api exposes the CareLoop HTTP surface: inbound event ingestion,
// read-only audit export, health, and Prometheus metrics.
//
// The audit resources are strictly read-only; no mutating verb exists on
// transitions or safety events.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/careloop/careloop/internal/models"
	"github.com/careloop/careloop/internal/pipeline"
	"github.com/careloop/careloop/internal/store"
)

// Server wires the pipeline and store behind the HTTP mux.
type Server struct {
	pipeline *pipeline.Pipeline
	store    store.Store
}

// NewServer creates the API server over an assembled pipeline.
func NewServer(p *pipeline.Pipeline, st store.Store) *Server {
	return &Server{pipeline: p, store: st}
}

// Routes registers every endpoint and returns the handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.eventsHandler)
	mux.HandleFunc("/conversations/", s.conversationsHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves HTTP on addr until the listener fails.
func (s *Server) Run(addr string) error {
	slog.Info("API server listening", "addr", addr)
	return http.ListenAndServe(addr, s.Routes())
}

// eventsHandler handles POST /events: one inbound message or scheduled
// check-in through the full pipeline, returning the rendered reply.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.eventsHandler: processing event", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var ev models.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		slog.Warn("Server.eventsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	out, err := s.pipeline.HandleEvent(r.Context(), ev)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrDuplicateEvent):
		slog.Debug("Server.eventsHandler: duplicate event", "idempotencyKey", ev.IdempotencyKey)
		writeJSONResponse(w, http.StatusConflict, models.Error("Duplicate event"))
		return
	case errors.Is(err, models.ErrEmptyUserID),
		errors.Is(err, models.ErrEmptyIdempotencyKey),
		errors.Is(err, models.ErrInvalidUIAction):
		slog.Warn("Server.eventsHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	default:
		slog.Error("Server.eventsHandler: pipeline failed", "error", err, "userID", ev.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process event"))
		return
	}

	slog.Info("Server.eventsHandler: event processed", "userID", ev.UserID)
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

// conversationsHandler handles the read-only audit export:
// GET /conversations/{id}, /conversations/{id}/transitions, and
// /conversations/{id}/safety-events.
func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/conversations/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation id required"))
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		conv, err := s.store.GetConversation(id)
		if err != nil {
			slog.Error("Server.conversationsHandler: lookup failed", "error", err, "conversationID", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get conversation"))
			return
		}
		if conv == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(conv))

	case len(parts) == 2 && parts[1] == "transitions":
		trs, err := s.store.ListTransitions(id)
		if err != nil {
			slog.Error("Server.conversationsHandler: transition export failed", "error", err, "conversationID", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list transitions"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(trs))

	case len(parts) == 2 && parts[1] == "safety-events":
		events, err := s.store.ListSafetyEvents(id)
		if err != nil {
			slog.Error("Server.conversationsHandler: safety export failed", "error", err, "conversationID", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list safety events"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(events))

	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown audit resource"))
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
