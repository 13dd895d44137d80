package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/dispatch/internal/catalog"
	"github.com/mattjoyce/dispatch/internal/registry"
)

func TestOpenBootstrapsTransitionsTable(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	var name string
	if err := j.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='transitions';").Scan(&name); err != nil {
		t.Fatalf("transitions table missing: %v", err)
	}
}

func TestAttachRecordsTransitions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	cat, err := catalog.Build([]catalog.Entry{
		{Name: "alpha", Size: 10, SourceContentType: string(catalog.TypeEFI)},
	}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reg := registry.New(cat)
	j.Attach(reg)

	if err := reg.Assign(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	var entries []Entry
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err = j.All(context.Background())
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		if len(entries) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].FromState != "unassigned" || entries[0].ToState != "assigned" {
		t.Fatalf("transition = %s -> %s", entries[0].FromState, entries[0].ToState)
	}
	if entries[0].Assignee != "10.0.0.1:1" {
		t.Fatalf("assignee = %q", entries[0].Assignee)
	}
	if _, err := uuid.Parse(entries[0].ID); err != nil {
		t.Fatalf("entry id = %q, not a valid uuid: %v", entries[0].ID, err)
	}
}

func TestForWorkloadFiltersByIndex(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	cat, err := catalog.Build([]catalog.Entry{
		{Name: "alpha", Size: 10, SourceContentType: string(catalog.TypeEFI)},
		{Name: "beta", Size: 20, SourceContentType: string(catalog.TypeEFI)},
	}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reg := registry.New(cat)
	j.Attach(reg)

	if err := reg.Assign(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("Assign 0: %v", err)
	}
	if err := reg.Assign(1, "10.0.0.2:1"); err != nil {
		t.Fatalf("Assign 1: %v", err)
	}

	var entries []Entry
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err = j.ForWorkload(context.Background(), 1)
		if err != nil {
			t.Fatalf("ForWorkload: %v", err)
		}
		if len(entries) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].WorkloadName != "beta" {
		t.Fatalf("workload = %q, want beta", entries[0].WorkloadName)
	}
}

func TestForWorkloadNameFiltersByName(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	cat, err := catalog.Build([]catalog.Entry{
		{Name: "alpha", Size: 10, SourceContentType: string(catalog.TypeEFI)},
		{Name: "beta", Size: 20, SourceContentType: string(catalog.TypeEFI)},
	}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reg := registry.New(cat)
	j.Attach(reg)

	if err := reg.Assign(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("Assign 0: %v", err)
	}
	if err := reg.Assign(1, "10.0.0.2:1"); err != nil {
		t.Fatalf("Assign 1: %v", err)
	}

	var entries []Entry
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err = j.ForWorkloadName(context.Background(), "alpha")
		if err != nil {
			t.Fatalf("ForWorkloadName: %v", err)
		}
		if len(entries) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].WorkloadName != "alpha" {
		t.Fatalf("workload = %q, want alpha", entries[0].WorkloadName)
	}
}
