package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/engine"
)

// Server is the engram HTTP API server.
type Server struct {
	eng      *engine.Engine
	snapshot string
	log      *zap.Logger
	router   chi.Router
	version  string
	started  time.Time
}

// Options configures a Server.
type Options struct {
	// SnapshotPath is where POST /api/snapshot writes. Empty disables it.
	SnapshotPath string
	Version      string
	Logger       *zap.Logger
}

// New creates a new Server over the given engine.
func New(eng *engine.Engine, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		eng:      eng,
		snapshot: opts.SnapshotPath,
		log:      log.Named("server"),
		version:  opts.Version,
		started:  time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/context", s.handleGetContext)

		r.Get("/fragments", s.handleListFragments)
		r.Post("/fragments", s.handleInsert)
		r.Get("/fragments/{fragmentID}", s.handleGetFragment)

		r.Post("/query", s.handleQuery)
		r.Post("/reinforce", s.handleReinforce)
		r.Post("/decay", s.handleDecay)

		r.Post("/fossilize", s.handleFossilize)
		r.Get("/modules", s.handleModules)
		r.Get("/patterns", s.handlePatterns)
		r.Get("/candidates", s.handleCandidates)

		r.Post("/snapshot", s.handleSnapshot)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.eng.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       s.version,
		"uptime":        time.Since(s.started).Seconds(),
		"fragments":     st.Memory.Fragments,
		"snapshot_path": s.snapshot,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
