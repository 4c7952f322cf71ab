// Package server exposes the engine over HTTP: turn processing, stats, and
// operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/convoy-dev/convoy/internal/client"
	"github.com/convoy-dev/convoy/internal/engine"
	"github.com/convoy-dev/convoy/internal/graph"
	"github.com/convoy-dev/convoy/internal/monitor"
	"github.com/convoy-dev/convoy/pkg/cache"
	"github.com/convoy-dev/convoy/pkg/observability"
)

// Server wires the HTTP surface.
type Server struct {
	engine  *engine.Engine
	cache   *cache.Manager
	breaker *client.Breaker
	monitor *monitor.Monitor
	metrics *observability.Metrics
	log     zerolog.Logger
	router  chi.Router
}

// Options configures a Server. Breaker, Monitor and Metrics may be nil.
type Options struct {
	Engine  *engine.Engine
	Cache   *cache.Manager
	Breaker *client.Breaker
	Monitor *monitor.Monitor
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// New builds the router.
func New(opts Options) *Server {
	s := &Server{
		engine:  opts.Engine,
		cache:   opts.Cache,
		breaker: opts.Breaker,
		monitor: opts.Monitor,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(150 * time.Second))

	r.Post("/process", s.handleProcess)
	r.Get("/stats", s.handleStats)
	r.Get("/healthz", s.handleHealthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var q engine.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if q.Text == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "text is required")
		return
	}

	result, err := s.engine.ProcessTurn(r.Context(), q)
	if err != nil {
		var cfgErr *graph.ConfigurationError
		switch {
		case errors.As(err, &cfgErr):
			s.writeError(w, http.StatusInternalServerError, cfgErr.Error())
		case errors.Is(err, context.DeadlineExceeded):
			s.writeError(w, http.StatusGatewayTimeout, "turn deadline exceeded")
		default:
			s.log.Error().Err(err).Str("conversation_id", q.ConversationID).
				Msg("turn processing failed")
			s.writeError(w, http.StatusInternalServerError, "turn processing failed")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// statsResponse aggregates cache, breaker and health state for operators.
type statsResponse struct {
	Cache    *cache.Stats      `json:"cache,omitempty"`
	HitRate  float64           `json:"cache_hit_rate"`
	Breakers map[string]string `json:"breakers,omitempty"`
	Agents   map[string]bool   `json:"agents,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{}
	if s.cache != nil {
		stats := s.cache.Stats()
		resp.Cache = &stats
		resp.HitRate = stats.HitRate()
	}
	if s.breaker != nil {
		resp.Breakers = s.breaker.Snapshot()
	}
	if s.monitor != nil {
		resp.Agents = s.monitor.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
