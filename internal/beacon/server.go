// Package beacon implements the Beacon Endpoint (spec.md §4.5): the
// out-of-band HTTP surface a running workload calls back to report that it
// booted and, later, what it found.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/dispatch/internal/log"
	"github.com/mattjoyce/dispatch/internal/registry"
)

// maxReportBody bounds the size of a report payload accepted from a
// workload; reports are short textual summaries, not artifact transfers.
const maxReportBody = 1 << 20 // 1 MiB

// Reporter is the Registry surface this endpoint drives.
type Reporter interface {
	BeaconBoot(client string) (int, error)
	BeaconReport(client string, payload []byte) (int, error)
}

// Config holds the beacon listener's network settings.
type Config struct {
	Listen string
}

// Server serves the beacon HTTP surface.
type Server struct {
	config   Config
	registry Reporter
	logger   *slog.Logger
	server   *http.Server
}

// New creates a beacon Server.
func New(config Config, reg Reporter) *Server {
	return &Server{
		config:   config,
		registry: reg,
		logger:   log.WithComponent("beacon"),
	}
}

// Start runs the beacon HTTP server (blocking) until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	r := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("beacon server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("beacon server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("beacon server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("beacon server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post("/boot", s.handleBoot)
	r.Post("/report", s.handleReport)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("beacon request",
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleBoot accepts a boot notification. It is idempotent: a repeated or
// early boot call is accepted without error (spec.md §4.5).
func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request) {
	client := r.RemoteAddr
	idx, err := s.registry.BeaconBoot(client)
	if err != nil {
		s.respondBeaconError(w, client, err)
		return
	}
	log.WithClient(client).Info("beacon boot accepted", "index", idx)
	w.WriteHeader(http.StatusNoContent)
}

// handleReport accepts a result report. The request body, up to
// maxReportBody, is taken verbatim as the opaque ReportPayload.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	client := r.RemoteAddr

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBody+1))
	if err != nil {
		http.Error(w, "failed to read report body", http.StatusInternalServerError)
		return
	}
	if int64(len(body)) > maxReportBody {
		http.Error(w, "report payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	idx, err := s.registry.BeaconReport(client, body)
	if err != nil {
		s.respondBeaconError(w, client, err)
		return
	}
	log.WithClient(client).Info("beacon report accepted", "index", idx, "bytes", len(body))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondBeaconError(w http.ResponseWriter, client string, err error) {
	logger := log.WithClient(client)
	switch {
	case errors.Is(err, registry.ErrUnknownAssignee):
		logger.Warn("beacon misaddressed", "error", err)
		http.Error(w, "no workload assigned to this client", http.StatusForbidden)
	case errors.Is(err, registry.ErrInvalidTransition):
		logger.Warn("beacon invalid transition", "error", err)
		http.Error(w, "invalid transition for current state", http.StatusConflict)
	default:
		logger.Error("beacon internal error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

var _ Reporter = (*registry.Registry)(nil)
