// Package sink implements the Result Sink (C6) and its GitHub Issues
// concrete form (A9): it consumes Reported lifecycle records and files an
// external issue, then resolves the record to Finished or Failed.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/dispatch/internal/log"
	"github.com/mattjoyce/dispatch/internal/registry"
)

// resultLabel is attached to every filed issue so results are easy to
// filter in the tracker.
const resultLabel = "dispatch-result"

// Filer files one textual result. Implementations report a *RetryableError
// for transport/5xx/429 failures worth retrying; any other error is
// treated as terminal (spec.md §4.9: "a 4xx other than 429 is not
// retried").
type Filer interface {
	File(ctx context.Context, report Report) error
}

// Report is the fully-assembled issue content for one workload's result.
type Report struct {
	Title     string
	Body      string
	Labels    []string
	Milestone string // title; empty means unset
}

// RetryableError wraps a Filer error that is worth retrying.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Resolver is the Registry surface the Sink drives after it has filed (or
// failed to file) a result.
type Resolver interface {
	MarkFinished(idx int) error
	MarkSinkFailed(idx int) error
}

// Observer is the Registry surface the Sink attaches to and reads from.
type Observer interface {
	AddObserver(fn func(registry.Event))
	Observe(idx int) registry.Snapshot
}

// Config configures retry policy and report shaping.
type Config struct {
	Milestone  string // optional milestone title
	MaxRetries int    // default 3
}

// Sink consumes Reported events in the background and files results.
type Sink struct {
	config   Config
	filer    Filer
	observer Observer
	resolver Resolver
	logger   *slog.Logger
	jobs     chan registry.Event
}

// New builds a Sink. It does not start consuming until Start is called.
func New(config Config, filer Filer, obs Observer, resolver Resolver) *Sink {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	s := &Sink{
		config:   config,
		filer:    filer,
		observer: obs,
		resolver: resolver,
		logger:   log.WithComponent("sink"),
		jobs:     make(chan registry.Event, 64),
	}
	obs.AddObserver(func(ev registry.Event) {
		if ev.To != registry.Reported {
			return
		}
		select {
		case s.jobs <- ev:
		default:
			s.logger.Warn("sink queue full, dropping event", "index", ev.Index, "workload", ev.WorkloadName)
		}
	})
	return s
}

// Start runs the Sink worker loop (blocking) until ctx is cancelled. The
// Sink runs off the Beacon request path: by the time an event reaches here,
// the Reported state is already durable in the Registry.
func (s *Sink) Start(ctx context.Context) error {
	s.logger.Info("sink worker started")
	defer s.logger.Info("sink worker stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.jobs:
			s.process(ctx, ev)
		}
	}
}

func (s *Sink) process(ctx context.Context, ev registry.Event) {
	logger := log.WithWorkload(ev.WorkloadName).With("index", ev.Index)

	snap := s.observer.Observe(ev.Index)
	report := Report{
		Title:     fmt.Sprintf("dispatch: %s result", ev.WorkloadName),
		Body:      formatBody(snap),
		Labels:    []string{resultLabel},
		Milestone: s.config.Milestone,
	}

	if err := s.fileWithRetry(ctx, report, logger); err != nil {
		logger.Error("sink failed after retries", "error", err)
		if merr := s.resolver.MarkSinkFailed(ev.Index); merr != nil {
			logger.Error("failed to mark sink failure", "error", merr)
		}
		return
	}

	if err := s.resolver.MarkFinished(ev.Index); err != nil {
		logger.Error("failed to mark finished", "error", err)
	}
}

// formatBody renders a one-line metadata header plus the ReportPayload
// verbatim inside a fenced code block (spec.md §4.9).
func formatBody(snap registry.Snapshot) string {
	var header strings.Builder
	fmt.Fprintf(&header, "assignee: %s", snap.Assignee)
	if t, ok := snap.Timestamps[registry.Booting]; ok {
		fmt.Fprintf(&header, " | booted: %s", t.Format(time.RFC3339))
	}
	if t, ok := snap.Timestamps[registry.Reported]; ok {
		fmt.Fprintf(&header, " | reported: %s", t.Format(time.RFC3339))
	}

	var body strings.Builder
	body.WriteString(header.String())
	body.WriteString("\n\n```\n")
	body.Write(snap.Payload)
	body.WriteString("\n```\n")
	return body.String()
}

func (s *Sink) fileWithRetry(ctx context.Context, report Report, logger *slog.Logger) error {
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		err := s.filer.File(ctx, report)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == s.config.MaxRetries {
			break
		}
		logger.Warn("sink attempt failed, retrying", "attempt", attempt, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func isRetryable(err error) bool {
	for err != nil {
		if _, ok := err.(*RetryableError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
