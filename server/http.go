// Package server provides the admin HTTP surface for the tile store
// daemon: health and stats, prometheus metrics, catalog reload and trash
// flush, and idle backend eviction.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/geopyramid/tilestore/book"
	"github.com/geopyramid/tilestore/cache"
	"github.com/geopyramid/tilestore/indexdb"
	"github.com/geopyramid/tilestore/storage"
	"github.com/geopyramid/tilestore/style"
	"github.com/geopyramid/tilestore/telemetry"
	"github.com/geopyramid/tilestore/tms"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// TMSDir is the tile matrix set descriptor directory, used by catalog
	// reloads.
	TMSDir string

	// StyleDir is the style descriptor directory, used by catalog reloads.
	StyleDir string

	// Logger for the server
	Logger *slog.Logger
}

// Deps are the live components the admin surface operates on. Index may be
// nil when the persistent index store is disabled.
type Deps struct {
	Registry  *storage.Registry
	Cache     *cache.Cache
	Index     *indexdb.Store
	TMSBook   *book.Book[*tms.TileMatrixSet]
	StyleBook *book.Book[*style.Style]
}

// Server is the admin HTTP server.
type Server struct {
	config     Config
	deps       Deps
	httpServer *http.Server
	logger     *slog.Logger
	started    time.Time
}

// New creates a server with the given configuration and components.
func New(cfg Config, deps Deps) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	if deps.Registry == nil || deps.Cache == nil || deps.TMSBook == nil || deps.StyleBook == nil {
		return nil, fmt.Errorf("server: registry, cache, and catalog books are required")
	}

	s := &Server{
		config:  cfg,
		deps:    deps,
		logger:  cfg.Logger,
		started: time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Component stats snapshot
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Catalog administration
	mux.HandleFunc("POST /catalogs/reload", s.handleCatalogReload)
	mux.HandleFunc("POST /catalogs/flush", s.handleCatalogFlush)

	// Storage registry administration
	mux.HandleFunc("POST /registry/evict-idle", s.handleEvictIdle)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

type indexStats struct {
	Entries int `json:"entries"`
}

type statsResponse struct {
	Registry storage.RegistryStats     `json:"registry"`
	Cache    cache.CacheStats          `json:"cache"`
	Index    *indexStats               `json:"index,omitempty"`
	Catalogs map[string]book.BookStats `json:"catalogs"`
}

// handleStats handles component statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Registry: s.deps.Registry.Stats(),
		Cache:    s.deps.Cache.Stats(),
		Catalogs: map[string]book.BookStats{
			"tms":   s.deps.TMSBook.Stats(),
			"style": s.deps.StyleBook.Stats(),
		},
	}

	if s.deps.Index != nil {
		n, err := s.deps.Index.Len(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("reading index store stats: %w", err))
			return
		}
		resp.Index = &indexStats{Entries: n}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCatalogReload reloads both catalog books from their descriptor
// directories. A failed load reports 500 and leaves the previous catalog
// generation serving.
func (s *Server) handleCatalogReload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.deps.TMSBook.Load(ctx, s.config.TMSDir); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("reloading tile matrix sets: %w", err))
		return
	}
	if err := s.deps.StyleBook.Load(ctx, s.config.StyleDir); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("reloading styles: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]book.BookStats{
		"tms":   s.deps.TMSBook.Stats(),
		"style": s.deps.StyleBook.Stats(),
	})
}

// handleCatalogFlush frees the trashed entities of both catalog books.
func (s *Server) handleCatalogFlush(w http.ResponseWriter, r *http.Request) {
	flushed := s.deps.TMSBook.FlushTrash() + s.deps.StyleBook.FlushTrash()
	writeJSON(w, http.StatusOK, map[string]int{"flushed": flushed})
}

// handleEvictIdle closes and removes storage contexts with no leases.
func (s *Server) handleEvictIdle(w http.ResponseWriter, r *http.Request) {
	evicted := s.deps.Registry.EvictIdle(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"evicted": evicted})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		telemetry.RecordHTTP(r.Context(), r.URL.Path, wrapped.status, duration)
	})
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting admin server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written. It preserves http.Flusher for streaming responses.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
