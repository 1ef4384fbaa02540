// Package statushttp exposes a read-only local API over the running
// pipeline: liveness, per-source counters, and recent round history.
package statushttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/UVuruna/gmbl-sub000/internal/actuator"
	"github.com/UVuruna/gmbl-sub000/internal/recorder"
	"github.com/UVuruna/gmbl-sub000/internal/worker"
)

// RoundStore is the read side of the round database.
type RoundStore interface {
	RecentRounds(ctx context.Context, sourceID string, limit int) ([]recorder.RoundSummary, error)
	CountRounds(ctx context.Context) (map[string]int64, error)
}

// WorkerStats reports one source worker's counters.
type WorkerStats interface {
	Snapshot() worker.Stats
}

// ActuatorStats reports the actuator's counters and backlog.
type ActuatorStats interface {
	Snapshot() actuator.Stats
	QueueDepth() int
}

// RecorderStats reports the recorder's counters and backlog.
type RecorderStats interface {
	Snapshot() recorder.Stats
	QueueDepth() int
}

// Server serves the status API on a local address.
type Server struct {
	addr    string
	store   RoundStore
	workers []WorkerStats
	act     ActuatorStats
	rec     RecorderStats
	logger  *slog.Logger

	httpServer *http.Server
	startTime  time.Time
}

// New builds a status server. addr is a host:port, typically loopback.
func New(addr string, store RoundStore, workers []WorkerStats,
	act ActuatorStats, rec RecorderStats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:      addr,
		store:     store,
		workers:   workers,
		act:       act,
		rec:       rec,
		logger:    logger.With("component", "statushttp"),
		startTime: time.Now(),
	}
}

// Routes assembles the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/sources/{id}/rounds", s.handleSourceRounds)
	return r
}

// Start binds the listener and serves in a goroutine. It returns once the
// socket is bound so callers know the port is live.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "err", err)
		}
	}()
	s.logger.Info("status server listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"uptime":     time.Since(s.startTime).String(),
		"goroutines": runtime.NumGoroutine(),
	})
}

type statusResponse struct {
	Actuator struct {
		actuator.Stats
		QueueDepth int `json:"queue_depth"`
	} `json:"actuator"`
	Recorder struct {
		recorder.Stats
		QueueDepth int `json:"queue_depth"`
	} `json:"recorder"`
	Sources     []worker.Stats   `json:"sources"`
	RoundCounts map[string]int64 `json:"round_counts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	resp.Actuator.Stats = s.act.Snapshot()
	resp.Actuator.QueueDepth = s.act.QueueDepth()
	resp.Recorder.Stats = s.rec.Snapshot()
	resp.Recorder.QueueDepth = s.rec.QueueDepth()

	resp.Sources = make([]worker.Stats, 0, len(s.workers))
	for _, wk := range s.workers {
		resp.Sources = append(resp.Sources, wk.Snapshot())
	}

	counts, err := s.store.CountRounds(r.Context())
	if err != nil {
		s.logger.Warn("round counts query failed", "err", err)
		counts = map[string]int64{}
	}
	resp.RoundCounts = counts

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSourceRounds(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.knownSource(id) {
		s.writeError(w, http.StatusNotFound, "unknown source "+id)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rounds, err := s.store.RecentRounds(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("rounds query failed", "source", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rounds == nil {
		rounds = []recorder.RoundSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"source_id": id,
		"rounds":    rounds,
	})
}

func (s *Server) knownSource(id string) bool {
	for _, wk := range s.workers {
		if wk.Snapshot().SourceID == id {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
