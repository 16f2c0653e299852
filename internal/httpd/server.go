// Package httpd exposes the upload, file and lock operations over HTTP.
package httpd

import (
	"context"
	"errors"
	"hash/fnv"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/btransfer/btransfer/internal/catalog"
	"github.com/btransfer/btransfer/internal/config"
	"github.com/btransfer/btransfer/internal/lock"
	"github.com/btransfer/btransfer/internal/ratelimit"
	"github.com/btransfer/btransfer/internal/storage"
	"github.com/btransfer/btransfer/internal/upload"
)

// Server wires the upload pipeline behind the REST API.
type Server struct {
	cfg       *config.Config
	mux       *http.ServeMux
	registry  *upload.Registry
	chunks    *upload.ChunkStore
	assembler *upload.Assembler
	placer    *storage.Placer
	catalog   *catalog.Catalog
	locks     *lock.Engine
	limiter   *ratelimit.Limiter

	// rewriteMu serializes lock, unlock and delete per file name so a
	// blob rewrite and its catalog update land together.
	rewriteMu [rewriteStripes]sync.Mutex

	httpSrv *http.Server
}

const rewriteStripes = 32

// rewriteLock returns the stripe guarding lock-state changes for name.
func (s *Server) rewriteLock(name string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return &s.rewriteMu[h.Sum32()%rewriteStripes]
}

// Deps bundles the components the server routes requests to.
type Deps struct {
	Registry  *upload.Registry
	Chunks    *upload.ChunkStore
	Assembler *upload.Assembler
	Placer    *storage.Placer
	Catalog   *catalog.Catalog
	Locks     *lock.Engine
	Limiter   *ratelimit.Limiter
}

// NewServer constructs the HTTP server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		registry:  deps.Registry,
		chunks:    deps.Chunks,
		assembler: deps.Assembler,
		placer:    deps.Placer,
		catalog:   deps.Catalog,
		locks:     deps.Locks,
		limiter:   deps.Limiter,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/uploads", s.withLimit(ratelimit.CategorySession, s.handleCreateSession))
	s.mux.HandleFunc("PUT /api/uploads/{id}/chunks/{index}", s.withLimit(ratelimit.CategoryChunk, s.handlePutChunk))
	s.mux.HandleFunc("GET /api/uploads/{id}", s.handleProgress)
	s.mux.HandleFunc("POST /api/uploads/{id}/assemble", s.handleAssemble)

	s.mux.HandleFunc("GET /api/files", s.handleListFiles)
	s.mux.HandleFunc("GET /api/files/{name}", s.handleDownload)
	s.mux.HandleFunc("DELETE /api/files/{name}", s.handleDeleteFile)
	s.mux.HandleFunc("POST /api/files/{name}/lock", s.handleLockFile)
	s.mux.HandleFunc("POST /api/files/{name}/unlock", s.handleUnlockFile)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler with request metrics and logging.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	// Metric labels use the route pattern; raw paths carry session IDs
	// and file names.
	route := r.Pattern
	if i := strings.IndexByte(route, ' '); i >= 0 {
		route = route[i+1:]
	}
	if route == "" {
		route = "unmatched"
	}
	m := getHTTPMetrics()
	m.Requests.WithLabelValues(r.Method, route, httpStatusClass(rec.status)).Inc()
	m.Duration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Dur("duration", time.Since(start)).
		Str("identity", clientIdentity(r)).
		Msg("Request handled")
}

// withLimit enforces the per-identity ceiling for category before next.
func (s *Server) withLimit(category ratelimit.Category, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.limiter.Allow(clientIdentity(r), category); err != nil {
			s.jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.cfg.Listen).Msg("HTTP server started")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// clientIdentity resolves the caller identity: the first X-Forwarded-For
// hop when present, the remote address otherwise.
func clientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func httpStatusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
