// Package httpserver exposes the self-hosted backend over HTTP: blob downloads,
// health and Prometheus metrics.
package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/metrics"
)

// BlobOpener streams stored blobs. Implemented by postgres.BlobStore and memory.Blobs.
type BlobOpener interface {
	Open(ctx context.Context, path string) (contentType string, body io.ReadCloser, err error)
}

// Server holds the HTTP dependencies.
type Server struct {
	blobs    BlobOpener
	gatherer prometheus.Gatherer
	metrics  metrics.Recorder
	log      *zap.Logger
	origins  []string
	ready    func(ctx context.Context) error
	timeout  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithReadiness sets the check run by /healthz.
func WithReadiness(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

// WithMetrics sets the recorder for served blobs.
func WithMetrics(rec metrics.Recorder) Option {
	return func(s *Server) { s.metrics = rec }
}

// WithCORSOrigins sets the browser origins allowed to fetch blobs.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// New constructs a Server.
func New(blobs BlobOpener, gatherer prometheus.Gatherer, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		blobs:    blobs,
		gatherer: gatherer,
		metrics:  metrics.Nop{},
		log:      log,
		timeout:  5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(Recover(s.log), Logging(s.log))
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.healthz)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}
	r.Get("/blobs/*", s.blob)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.log.Warn("readiness check failed", zap.Error(err))
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) blob(w http.ResponseWriter, r *http.Request) {
	path, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || path == "" || strings.Contains(path, "..") {
		s.metrics.RecordBlobServed(http.StatusBadRequest)
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}

	contentType, body, err := s.blobs.Open(r.Context(), path)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errs.ErrNotFound) {
			status = http.StatusNotFound
		} else {
			s.log.Error("open blob", zap.String("path", path), zap.Error(err))
		}
		s.metrics.RecordBlobServed(status)
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	s.metrics.RecordBlobServed(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.Warn("stream blob", zap.String("path", path), zap.Error(err))
	}
}
