package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mattjoyce/dispatch/internal/catalog"
	"github.com/mattjoyce/dispatch/internal/registry"
)

func TestAttachPublishesTransitionsToSubscriber(t *testing.T) {
	hub := NewHub(8)
	cat, err := catalog.Build([]catalog.Entry{
		{Name: "alpha", Size: 10, SourceContentType: string(catalog.TypeEFI)},
	}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reg := registry.New(cat)
	hub.Attach(reg)

	ch, cancel := hub.Subscribe()
	defer cancel()

	if err := reg.Assign(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	select {
	case ev := <-ch:
		var rev registry.Event
		if err := json.Unmarshal(ev.Data, &rev); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if rev.To != registry.Assigned {
			t.Fatalf("To = %s, want assigned", rev.To)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSnapshotSinceReturnsRingBufferTail(t *testing.T) {
	hub := NewHub(2)
	cat, err := catalog.Build([]catalog.Entry{
		{Name: "a", Size: 1, SourceContentType: string(catalog.TypeEFI)},
		{Name: "b", Size: 1, SourceContentType: string(catalog.TypeEFI)},
		{Name: "c", Size: 1, SourceContentType: string(catalog.TypeEFI)},
	}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reg := registry.New(cat)
	hub.Attach(reg)

	for i := 0; i < 3; i++ {
		if err := reg.Assign(i, "10.0.0.1:1"); err != nil {
			t.Fatalf("Assign %d: %v", i, err)
		}
	}

	snap := hub.SnapshotSince(0)
	if len(snap) != 2 {
		t.Fatalf("len(snap) = %d, want 2 (ring capacity)", len(snap))
	}
	if snap[0].ID != 2 || snap[1].ID != 3 {
		t.Fatalf("unexpected IDs: %d, %d", snap[0].ID, snap[1].ID)
	}
}

func TestSnapshotSinceFiltersByLastID(t *testing.T) {
	hub := NewHub(8)
	cat, err := catalog.Build([]catalog.Entry{
		{Name: "a", Size: 1, SourceContentType: string(catalog.TypeEFI)},
		{Name: "b", Size: 1, SourceContentType: string(catalog.TypeEFI)},
	}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reg := registry.New(cat)
	hub.Attach(reg)

	if err := reg.Assign(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("Assign 0: %v", err)
	}
	if err := reg.Assign(1, "10.0.0.2:1"); err != nil {
		t.Fatalf("Assign 1: %v", err)
	}

	snap := hub.SnapshotSince(1)
	if len(snap) != 1 {
		t.Fatalf("len(snap) = %d, want 1", len(snap))
	}
	if snap[0].ID != 2 {
		t.Fatalf("ID = %d, want 2", snap[0].ID)
	}
}
