// Package http exposes the engine over a REST-ish API plus an SSE event feed.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amberflow/stagehand"
	"github.com/amberflow/stagehand/internal/logging"
	"github.com/amberflow/stagehand/pkg/bus"
	"github.com/amberflow/stagehand/pkg/domain"
)

// Engine is the surface the HTTP layer needs from the core.
type Engine interface {
	Handle(ctx context.Context, sessionID, toolKind, text string) (*stagehand.Reply, error)
	Operation(ctx context.Context, id string) (*domain.Operation, error)
	ActiveOperation(ctx context.Context, sessionID string) (*domain.Operation, error)
	Items(ctx context.Context, operationID string) ([]*domain.Item, error)
	Schedule(ctx context.Context, operationID string) (*domain.Schedule, error)
	PauseSchedule(ctx context.Context, operationID string) error
	ResumeSchedule(ctx context.Context, operationID string) error
	CancelSchedule(ctx context.Context, operationID string) error
	ToolKinds() []string
}

// Server hosts the engine API.
type Server struct {
	engine Engine
	events bus.Bus
	logger *slog.Logger
	gather prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventBus exposes the bus on GET /events as server-sent events.
func WithEventBus(b bus.Bus) Option {
	return func(s *Server) { s.events = b }
}

// WithMetricsGatherer serves Prometheus metrics on GET /metrics.
func WithMetricsGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gather = g }
}

// NewHandler creates the HTTP handler for the engine.
func NewHandler(engine Engine, opts ...Option) http.Handler {
	s := &Server{
		engine: engine,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/tools", s.listTools)
	r.Post("/sessions/{sessionID}/messages", s.postMessage)
	r.Get("/sessions/{sessionID}/operation", s.getActiveOperation)
	r.Get("/operations/{operationID}", s.getOperation)
	r.Get("/operations/{operationID}/items", s.getItems)
	r.Get("/operations/{operationID}/schedule", s.getSchedule)
	r.Post("/operations/{operationID}/schedule/pause", s.scheduleAction(engine.PauseSchedule))
	r.Post("/operations/{operationID}/schedule/resume", s.scheduleAction(engine.ResumeSchedule))
	r.Post("/operations/{operationID}/schedule/cancel", s.scheduleAction(engine.CancelSchedule))

	if s.events != nil {
		r.Get("/events", s.subscribeEvents)
	}
	if s.gather != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	}
	return r
}

type messageRequest struct {
	ToolKind string `json:"tool_kind"`
	Text     string `json:"text"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var body messageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	reply, err := s.engine.Handle(r.Context(), chi.URLParam(r, "sessionID"), body.ToolKind, body.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, reply)
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.engine.Operation(r.Context(), chi.URLParam(r, "operationID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, op)
}

func (s *Server) getActiveOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.engine.ActiveOperation(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, op)
}

func (s *Server) getItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.Items(r.Context(), chi.URLParam(r, "operationID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, items)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.engine.Schedule(r.Context(), chi.URLParam(r, "operationID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, sched)
}

func (s *Server) scheduleAction(do func(ctx context.Context, operationID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := do(r.Context(), chi.URLParam(r, "operationID")); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string][]string{"kinds": s.engine.ToolKinds()})
}

// subscribeEvents streams lifecycle events as SSE until the client leaves.
func (s *Server) subscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan bus.Event, 64)
	sub, err := s.events.Subscribe(func(ev bus.Event) {
		select {
		case ch <- ev:
		default: // slow client, drop
		}
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("subscribe: %v", err), http.StatusInternalServerError)
		return
	}
	defer sub.Unsubscribe()

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrOperationNotFound),
		errors.Is(err, domain.ErrItemNotFound),
		errors.Is(err, domain.ErrScheduleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrActiveOperationExists),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
