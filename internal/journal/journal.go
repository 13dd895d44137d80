// Package journal implements the Transition Journal (A3): a derived,
// best-effort audit trail of every Registry transition, persisted to
// SQLite for the inspect subcommand. It is never authoritative
// — the Registry's in-memory state is — and a journal write failure never
// blocks or fails a transition.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mattjoyce/dispatch/internal/log"
	"github.com/mattjoyce/dispatch/internal/registry"
)

// Entry is one persisted row: a transition observed at a point in time.
// ID is a uuid (SPEC_FULL.md §3's JournalEntry), not a sequence number, so
// entries stay stable if journals from separate runs are ever merged.
type Entry struct {
	ID           string
	Index        int
	WorkloadName string
	FromState    string
	ToState      string
	Assignee     string
	At           time.Time
}

// Journal appends Registry events to a SQLite-backed log.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path and ensures
// the journal table exists.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db, logger: log.WithComponent("journal")}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS transitions (
  id            TEXT PRIMARY KEY,
  record_index  INTEGER NOT NULL,
  workload_name TEXT NOT NULL,
  from_state    TEXT NOT NULL,
  to_state      TEXT NOT NULL,
  assignee      TEXT NOT NULL DEFAULT '',
  at            TEXT NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("journal: bootstrap: %w", err)
	}
	_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS transitions_record_index_idx ON transitions(record_index);`)
	if err != nil {
		return fmt.Errorf("journal: bootstrap index: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Attach registers the Journal as a Registry observer. Call once per run.
func (j *Journal) Attach(reg *registry.Registry) {
	reg.AddObserver(j.record)
}

// record is the observer callback; it must not block the caller
// meaningfully, so writes use a short timeout and log-and-drop on failure.
func (j *Journal) record(ev registry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := j.db.ExecContext(ctx, `
INSERT INTO transitions(id, record_index, workload_name, from_state, to_state, assignee, at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, uuid.New().String(), ev.Index, ev.WorkloadName, ev.From.String(), ev.To.String(), ev.Assignee, ev.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		j.logger.Warn("failed to record transition", "index", ev.Index, "error", err)
	}
}

// All returns every recorded transition in insertion order.
func (j *Journal) All(ctx context.Context) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, record_index, workload_name, from_state, to_state, assignee, at
FROM transitions
ORDER BY rowid ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &e.Index, &e.WorkloadName, &e.FromState, &e.ToState, &e.Assignee, &at); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("journal: parse timestamp: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ForWorkloadName returns the transition history for every record with
// workload name name, oldest first. Used by `dispatch inspect <name>`
// where the caller knows the workload by name rather than by index.
func (j *Journal) ForWorkloadName(ctx context.Context, name string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, record_index, workload_name, from_state, to_state, assignee, at
FROM transitions
WHERE workload_name = ?
ORDER BY rowid ASC;
`, name)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &e.Index, &e.WorkloadName, &e.FromState, &e.ToState, &e.Assignee, &at); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("journal: parse timestamp: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ForWorkload returns the transition history for one record index, for
// `dispatch inspect <name>`-style drilldowns.
func (j *Journal) ForWorkload(ctx context.Context, idx int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, record_index, workload_name, from_state, to_state, assignee, at
FROM transitions
WHERE record_index = ?
ORDER BY rowid ASC;
`, idx)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &e.Index, &e.WorkloadName, &e.FromState, &e.ToState, &e.Assignee, &at); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("journal: parse timestamp: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
