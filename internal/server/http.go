package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/archive-stream-service/internal/archive"
	"github.com/skypro1111/archive-stream-service/internal/metrics"
)

// Resolver maps an archive identifier to a directory
type Resolver interface {
	Resolve(id string) (string, error)
}

// Spawner starts an archiver for a directory
type Spawner interface {
	Spawn(ctx context.Context, dir string) (*archive.Process, error)
}

// HTTPServer serves the index page and archive downloads
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	config   HTTPServerConfig
	resolver Resolver
	spawner  Spawner
	metrics  *metrics.Metrics

	startTime time.Time
	mu        sync.Mutex

	// archives counts handlers that own an archiver. Stop waits on it so
	// every deferred Terminate has run before it returns.
	archives sync.WaitGroup
	draining bool
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Address      string
	IndexPath    string
	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
	ChunkSize    int
	ChunkDelay   time.Duration
	StallTimeout time.Duration // per-chunk write deadline, 0 disables
}

// drainTimeout bounds how long Stop waits for archive handlers to unwind
// after their connections have been closed.
const drainTimeout = 5 * time.Second

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger,
	resolver Resolver, spawner Spawner, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    cfg,
		resolver:  resolver,
		spawner:   spawner,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	// No WriteTimeout: archive responses are long lived and guarded by the
	// per-chunk stall deadline instead.
	h.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           h.rejectDotSegments(mux),
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return h
}

// Handler returns the routed handler, mainly for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleIndex))
	mux.HandleFunc("GET /archive/{id}/{$}", h.withMetrics("/archive/{id}/", h.handleArchive))
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.Handle("GET /metrics", h.metrics.Handler())
}

// rejectDotSegments answers archive paths containing "." or ".." segments
// with 404. ServeMux would otherwise clean them and redirect the client to a
// path outside /archive/.
func (h *HTTPServer) rejectDotSegments(next http.Handler) http.Handler {
	reject := h.withMetrics("/archive/{id}/", func(w http.ResponseWriter, r *http.Request) {
		h.logger.Debug("Rejected archive path", slog.String("path", r.URL.Path))
		h.metrics.RecordArchiveRejected(metrics.OutcomeNotFound)
		http.Error(w, notFoundMessage, http.StatusNotFound)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hasDotSegment(r.URL.Path) {
			reject(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasDotSegment(p string) bool {
	rest, ok := strings.CutPrefix(p, "/archive/")
	if !ok {
		return false
	}
	for _, seg := range strings.Split(rest, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// withMetrics wraps an HTTP handler with metrics collection. Recording is
// deferred so aborted streams are counted too.
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		defer func() {
			duration := time.Since(startTime).Seconds()
			statusCode := fmt.Sprintf("%d", ww.statusCode)

			h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

			if ww.statusCode >= 400 {
				errorType := "client_error"
				if ww.statusCode >= 500 {
					errorType = "server_error"
				}
				h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
			}
		}()

		handler(ww, r)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(p)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start binds the listen address and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	h.logger.Info("Starting HTTP server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once Start has succeeded
func (h *HTTPServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server. In-flight archives still running when
// ctx expires are cut off by closing their connections, and Stop then waits
// up to drainTimeout for their archivers to be terminated.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	err := h.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		h.logger.Warn("Graceful shutdown timed out, closing active connections")
		err = h.server.Close()
	}

	h.drainArchives(drainTimeout)
	return err
}

// beginArchive registers a handler that is about to own an archiver. It
// reports false once Stop has started draining.
func (h *HTTPServer) beginArchive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.draining {
		return false
	}
	h.archives.Add(1)
	return true
}

func (h *HTTPServer) drainArchives(timeout time.Duration) {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.archives.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		h.logger.Warn("Archive handlers still running after shutdown",
			slog.Duration("waited", timeout),
		)
	}
}

// handleIndex implements the / endpoint
func (h *HTTPServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := os.ReadFile(h.config.IndexPath)
	if err != nil {
		h.logger.Error("Failed to read index page",
			slog.String("path", h.config.IndexPath),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Index page unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "archive-stream-service",
			"version": "1.0.0",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}
