// Package server is a reference backend for the shop API. It stores
// records through a Repository and honours the Idempotency-Key header, so a
// replayed write returns the original result instead of creating a
// duplicate.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dukafiti/dukasync/domain"
	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/remote"
	"github.com/dukafiti/dukasync/synckit"
)

// Options tunes request handling.
type Options struct {
	MaxRequestSize      int64
	MaxDecompressedSize int64
	RequestTimeout      time.Duration
	ShutdownTimeout     time.Duration
}

// DefaultOptions returns 10MB compressed and 20MB decompressed body limits.
func DefaultOptions() Options {
	return Options{
		MaxRequestSize:      10 << 20,
		MaxDecompressedSize: 20 << 20,
		RequestTimeout:      30 * time.Second,
		ShutdownTimeout:     10 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies
func WithMaxRequestSize(size int64) Option {
	return func(s *Server) { s.opts.MaxRequestSize = size }
}

// WithMaxDecompressedSize sets the maximum allowed size of decompressed request bodies
func WithMaxDecompressedSize(size int64) Option {
	return func(s *Server) { s.opts.MaxDecompressedSize = size }
}

// WithRequestTimeout sets the maximum duration for request processing
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.opts.RequestTimeout = d }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server serves /api/{resource} over a Repository.
type Server struct {
	repo   Repository
	opts   Options
	logger *logging.Logger
	router chi.Router
}

// New builds the router.
func New(repo Repository, opts ...Option) *Server {
	s := &Server{repo: repo, opts: DefaultOptions()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.WithComponent("server")
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	if s.opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/api/{resource}", func(r chi.Router) {
		r.Use(s.requireResource)
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Patch("/{id}", s.handleUpdate)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("api listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) requireResource(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !domain.Valid(chi.URLParam(r, "resource")) {
			respondError(w, http.StatusNotFound, "unknown resource")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	records, err := s.repo.List(r.Context(), resource)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.JSON())
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.repo.Get(r.Context(), chi.URLParam(r, "resource"), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec.JSON())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	payload, err := s.decodeBody(w, r)
	if err != nil {
		respondError(w, bodyStatus(err), err.Error())
		return
	}
	if err := domain.Validate(resource, synckit.OpCreate, payload); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	key := r.Header.Get(remote.IdempotencyHeader)
	rec, created, err := s.repo.Create(r.Context(), resource, key, payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
		s.logger.Info("replayed create", slog.String("resource", resource), slog.String("id", rec.ID), slog.String("key", key))
	}
	respondJSON(w, status, rec.JSON())
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	payload, err := s.decodeBody(w, r)
	if err != nil {
		respondError(w, bodyStatus(err), err.Error())
		return
	}
	if err := domain.Validate(resource, synckit.OpUpdate, payload); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	rec, err := s.repo.Update(r.Context(), resource, chi.URLParam(r, "id"), r.Header.Get(remote.IdempotencyHeader), payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec.JSON())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := s.repo.Delete(r.Context(), chi.URLParam(r, "resource"), chi.URLParam(r, "id"), r.Header.Get(remote.IdempotencyHeader))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps a repository error to its status by kind.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch syncErrors.KindOf(err) {
	case syncErrors.KindNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	case syncErrors.KindInvalid:
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case syncErrors.KindServerTransient:
		s.logger.LogError(r.Context(), err, "repository unavailable")
		respondError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		s.logger.LogError(r.Context(), err, "request failed", slog.String("path", r.URL.Path))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to marshal response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}
