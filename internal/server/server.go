package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/metrics"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/store"
)

// Server is the twin HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	metrics *metrics.Metrics
	log     *zap.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server. m and log may be nil.
func New(db *store.DB, eng *engine.Engine, m *metrics.Metrics, log *zap.Logger, version string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		db:      db,
		engine:  eng,
		metrics: m,
		log:     log,
		version: version,
		started: time.Now(),
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
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/chats/{chatID}", func(r chi.Router) {
			r.Post("/turns", s.handleTurn)
			r.Post("/usage", s.handleUsage)
			r.Post("/responses", s.handleResponse)
			r.Post("/reset", s.handleReset)
			r.Get("/state", s.handleState)
			r.Get("/insights", s.handleInsights)
			r.Get("/messages", s.handleMessages)
		})
		r.Get("/chats", s.handleRecentChats)

		r.Get("/candidates", s.handleCandidates)
		r.Get("/bots", s.handleBots)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	s.router = r
}

// requestLogger logs one line per request at debug level, and at warn for
// server errors.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= 500 {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
		"engine":  s.engine != nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
