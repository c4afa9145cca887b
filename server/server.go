// Package server exposes the memory store over HTTP: search, status, and
// the maintenance operations. The process embedding the router stays the
// single owner of the shard set; the server is a thin JSON layer over it.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/agentmem/shardmem/compact"
	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/evict"
	"github.com/agentmem/shardmem/router"
	"github.com/agentmem/shardmem/search"
	"github.com/agentmem/shardmem/shard"
)

// Server wires the router and its maintenance engines to HTTP handlers.
type Server struct {
	router    *router.Router
	compactor *compact.Compactor
	evictor   *evict.Evictor
	logger    *zap.Logger
}

// New builds a server over an initialized router.
func New(r *router.Router, c *compact.Compactor, e *evict.Evictor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{router: r, compactor: c, evictor: e, logger: logger}
}

// Handler returns the configured route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)
	r.Get("/status", s.status)
	r.Get("/search", s.search)
	r.Get("/hybrid-search", s.hybridSearch)
	r.Get("/query", s.query)
	r.Post("/memories", s.addMemory)
	r.Post("/compact", s.compactAll)
	r.Post("/compact/{shardID}", s.compactShard)
	r.Post("/sweep", s.sweep)
	r.Post("/refresh-embeddings", s.refreshEmbeddings)
	r.Post("/summary", s.exportSummary)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Stats())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"shards": s.router.Status()})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing query parameter q")
		return
	}
	shardID := config.ShardID(r.URL.Query().Get("shard"))
	threshold := floatParam(r, "threshold", search.DefaultThreshold)
	topK := intParam(r, "top_k", search.DefaultTopK)

	results, err := s.router.Engine().Search(r.Context(), q, shardID, threshold, topK)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": results})
}

func (s *Server) hybridSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing query parameter q")
		return
	}
	shardID := config.ShardID(r.URL.Query().Get("shard"))
	threshold := floatParam(r, "threshold", search.DefaultThreshold)
	topK := intParam(r, "top_k", search.DefaultTopK)

	results, err := s.router.Engine().HybridSearch(r.Context(), q, shardID, threshold, topK)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": results})
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing query parameter q")
		return
	}
	limit := intParam(r, "limit", 10)
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": s.router.Query(q, limit)})
}

type addMemoryRequest struct {
	Content    string  `json:"content"`
	Source     string  `json:"source"`
	Importance float64 `json:"importance"`
	Shard      string  `json:"shard,omitempty"`
}

func (s *Server) addMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	id, err := s.router.AddMemory(r.Context(), req.Content, req.Source, req.Importance, config.ShardID(req.Shard))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"transaction_id": id})
}

func (s *Server) compactShard(w http.ResponseWriter, r *http.Request) {
	id := config.ShardID(chi.URLParam(r, "shardID"))
	stats, err := s.compactor.CompactShard(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) compactAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.compactor.CompactAll(r.Context())
	if err != nil {
		s.logger.Warn("compaction finished with failures", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"shards": results})
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	stats, err := s.evictor.SweepAll(r.Context(), dryRun)
	if err != nil {
		s.logger.Warn("sweep finished with failures", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) refreshEmbeddings(w http.ResponseWriter, r *http.Request) {
	refreshed, err := s.router.RefreshEmbeddings(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"refreshed": refreshed})
}

func (s *Server) exportSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.router.ExportSummary(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, router.ErrUnknownShard):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, shard.ErrEmptyContent), errors.Is(err, shard.ErrInvalidDomain):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func floatParam(r *http.Request, name string, fallback float64) float64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
