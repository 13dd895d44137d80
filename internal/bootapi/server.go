// Package bootapi implements the HTTP Boot Endpoint (spec.md §4.4): the
// anonymous, unauthenticated HEAD/GET surface that serves workload binaries
// to network-boot clients one at a time.
package bootapi

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

	"github.com/mattjoyce/dispatch/internal/catalog"
	"github.com/mattjoyce/dispatch/internal/log"
	"github.com/mattjoyce/dispatch/internal/queue"
	"github.com/mattjoyce/dispatch/internal/registry"
	"github.com/mattjoyce/dispatch/internal/shutdown"
)

// streamChunkSize bounds how much of a workload body is copied between
// yields to the scheduler, so a slow client never monopolises the shared
// task pool (spec.md §5).
const streamChunkSize = 256 * 1024

// Selector is the Dispatch Queue surface this endpoint consumes.
type Selector interface {
	Next(client string) (int, catalog.Workload, error)
}

// Transitioner is the Registry surface this endpoint drives.
type Transitioner interface {
	BeginDownload(idx int, client string) error
	CompleteDownload(idx int, client string) error
	AbortDownload(idx int, client string) error
}

// Config holds the boot listener's network settings.
type Config struct {
	Listen string
}

// Server serves the boot HTTP surface. It holds no lifecycle state of its
// own; all state lives behind Selector/Transitioner.
type Server struct {
	config   Config
	queue    Selector
	registry Transitioner
	logger   *slog.Logger
	server   *http.Server
}

// New creates a boot Server. HEAD and GET are both served at the fixed
// path "/".
func New(config Config, q Selector, reg Transitioner) *Server {
	return &Server{
		config:   config,
		queue:    q,
		registry: reg,
		logger:   log.WithComponent("bootapi"),
	}
}

// Start runs the boot HTTP server (blocking) until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	r := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.config.Listen,
		Handler: r,
		// No ReadTimeout/WriteTimeout: GET streams can legitimately run for
		// as long as a firmware NIC takes to pull a multi-hundred-MB image.
		IdleTimeout: 2 * time.Minute,
	}

	s.logger.Info("boot server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("boot server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("boot server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("boot server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Head("/", s.handleHead)
	r.Get("/", s.handleGet)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("boot request",
			"method", r.Method,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleHead serves a size probe. It never streams bytes and never mutates
// state beyond whatever Queue.Next does to assign a workload on first
// contact.
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	idx, workload, err := s.queue.Next(r.RemoteAddr)
	if errors.Is(err, queue.ErrExhausted) {
		w.Header().Set("Content-Type", shutdown.ContentType)
		w.Header().Set("Content-Length", fmt.Sprintf("%d", shutdown.Size()))
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		s.logger.Error("queue selection failed", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	_ = idx
	w.Header().Set("Content-Type", workload.ContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", workload.Size))
	w.WriteHeader(http.StatusOK)
}

// handleGet streams the assigned workload's bytes, or the Shutdown artifact
// if the Queue is exhausted.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	client := r.RemoteAddr
	idx, workload, err := s.queue.Next(client)
	if errors.Is(err, queue.ErrExhausted) {
		s.streamShutdownArtifact(w)
		return
	}
	if err != nil {
		s.logger.Error("queue selection failed", "error", err, "remote_addr", client)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	logger := log.WithWorkload(workload.Name).With("client", client)

	if err := s.registry.BeginDownload(idx, client); err != nil {
		logger.Error("begin download rejected", "error", err)
		http.Error(w, "conflict", http.StatusConflict)
		return
	}

	src, err := workload.Source.Open(r.Context())
	if err != nil {
		logger.Error("failed to open workload source", "error", err)
		_ = s.registry.AbortDownload(idx, client)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer src.Close()

	w.Header().Set("Content-Type", workload.ContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", workload.Size))
	w.WriteHeader(http.StatusOK)

	written, copyErr := copyInChunks(w, src, streamChunkSize)
	if copyErr != nil || written != workload.Size {
		logger.Warn("transfer aborted", "bytes_written", written, "declared_size", workload.Size, "error", copyErr)
		if err := s.registry.AbortDownload(idx, client); err != nil {
			logger.Error("failed to record transfer abort", "error", err)
		}
		return
	}

	if err := s.registry.CompleteDownload(idx, client); err != nil {
		logger.Error("failed to record download completion", "error", err)
	}
}

func (s *Server) streamShutdownArtifact(w http.ResponseWriter) {
	body := shutdown.Bytes()
	w.Header().Set("Content-Type", shutdown.ContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// copyInChunks streams src into dst in bounded chunks so the caller's
// goroutine periodically returns control to the scheduler instead of
// blocking on one large read/write, and so a disconnect is noticed promptly
// rather than after an unbounded internal buffer fills.
func copyInChunks(dst io.Writer, src io.Reader, chunk int64) (int64, error) {
	var total int64
	buf := make([]byte, chunk)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
			if f, ok := dst.(http.Flusher); ok {
				f.Flush()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

var _ Transitioner = (*registry.Registry)(nil)
