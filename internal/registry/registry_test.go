package registry

import (
	"sync"
	"testing"

	"github.com/mattjoyce/dispatch/internal/catalog"
)

func testCatalog(t *testing.T, names ...string) *catalog.Catalog {
	t.Helper()
	entries := make([]catalog.Entry, len(names))
	for i, n := range names {
		entries[i] = catalog.Entry{
			Name:              n,
			Size:              10,
			SourceContentType: string(catalog.TypeEFI),
		}
	}
	cat, err := catalog.Build(entries, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return cat
}

func TestAssignRejectsDoubleAssignment(t *testing.T) {
	r := New(testCatalog(t, "a"))

	if err := r.Assign(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("first Assign: %v", err)
	}
	if err := r.Assign(0, "10.0.0.2:1"); err == nil {
		t.Fatalf("expected second Assign to fail")
	}

	snap := r.Observe(0)
	if snap.State != Assigned || snap.Assignee != "10.0.0.1:1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestHappyPathTransitionsToFinished(t *testing.T) {
	r := New(testCatalog(t, "a"))
	client := "10.0.0.1:1"

	if err := r.Assign(0, client); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := r.BeginDownload(0, client); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	if err := r.CompleteDownload(0, client); err != nil {
		t.Fatalf("CompleteDownload: %v", err)
	}
	if idx, err := r.BeaconBoot(client); err != nil || idx != 0 {
		t.Fatalf("BeaconBoot: idx=%d err=%v", idx, err)
	}
	if idx, err := r.BeaconReport(client, []byte("ok")); err != nil || idx != 0 {
		t.Fatalf("BeaconReport: idx=%d err=%v", idx, err)
	}
	if err := r.MarkFinished(0); err != nil {
		t.Fatalf("MarkFinished: %v", err)
	}

	snap := r.Observe(0)
	if snap.State != Finished {
		t.Fatalf("expected Finished, got %s", snap.State)
	}
	if !r.AllTerminal() {
		t.Fatalf("expected AllTerminal")
	}

	// A finished client's address is free to be reassigned.
	if _, ok := r.FindByAssignee(client); ok {
		t.Fatalf("expected no non-terminal assignment for %s", client)
	}
}

func TestBeaconBootRaceIsIdempotent(t *testing.T) {
	r := New(testCatalog(t, "a"))
	client := "10.0.0.1:1"
	if err := r.Assign(0, client); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	// Beacon boot beats GET completion.
	if _, err := r.BeaconBoot(client); err != nil {
		t.Fatalf("BeaconBoot (race winner): %v", err)
	}
	// A download completion arriving afterwards is a no-op into the same
	// Booting state, not an error, per spec.md §3 note [A]/[B]; so is a
	// second BeaconBoot.
	if err := r.CompleteDownload(0, client); err != nil {
		t.Fatalf("CompleteDownload (race loser): %v", err)
	}
	if _, err := r.BeaconBoot(client); err != nil {
		t.Fatalf("BeaconBoot (duplicate): %v", err)
	}

	snap := r.Observe(0)
	if snap.State != Booting {
		t.Fatalf("expected Booting, got %s", snap.State)
	}
}

func TestDuplicateReportRejected(t *testing.T) {
	r := New(testCatalog(t, "a"))
	client := "10.0.0.1:1"
	if err := r.Assign(0, client); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := r.BeaconBoot(client); err != nil {
		t.Fatalf("BeaconBoot: %v", err)
	}
	if _, err := r.BeaconReport(client, []byte("first")); err != nil {
		t.Fatalf("first BeaconReport: %v", err)
	}
	if _, err := r.BeaconReport(client, []byte("second")); err == nil {
		t.Fatalf("expected second BeaconReport to fail")
	}

	snap := r.Observe(0)
	if string(snap.Payload) != "first" {
		t.Fatalf("payload should remain from first report, got %q", snap.Payload)
	}
}

func TestBeaconMisaddressedWithNoAssignment(t *testing.T) {
	r := New(testCatalog(t, "a"))
	if _, err := r.BeaconBoot("10.0.0.9:1"); err == nil {
		t.Fatalf("expected ErrUnknownAssignee")
	}
}

func TestTransferAbortedFreesAssigneeForNextWorkload(t *testing.T) {
	r := New(testCatalog(t, "a", "b"))
	client := "10.0.0.1:1"

	if err := r.Assign(0, client); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := r.BeginDownload(0, client); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	if err := r.AbortDownload(0, client); err != nil {
		t.Fatalf("AbortDownload: %v", err)
	}

	snap := r.Observe(0)
	if snap.State != Failed || snap.FailureReason != ReasonTransferAborted {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if _, ok := r.FindByAssignee(client); ok {
		t.Fatalf("client should be free after its workload failed")
	}
}

// TestConcurrentAssignIsExclusive exercises invariant 1: for any client
// address, at most one non-terminal record is ever assigned to it, and two
// concurrent Assign calls on the same index never both succeed.
func TestConcurrentAssignIsExclusive(t *testing.T) {
	r := New(testCatalog(t, "a"))

	const n = 32
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Assign(0, "10.0.0.1:1")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful Assign, got %d", successes)
	}
}

// TestConcurrentAssignFirstUnassignedSameClientIsSingleWinner covers the
// find-existing-or-assign-fresh race that a separate FindByAssignee-then-
// Assign pair leaves open: many concurrent callers for one new client must
// all observe the same index, and exactly one record may end up assigned.
func TestConcurrentAssignFirstUnassignedSameClientIsSingleWinner(t *testing.T) {
	r := New(testCatalog(t, "a", "b", "c", "d"))

	const n = 32
	const client = "10.0.0.1:1"
	var wg sync.WaitGroup
	indices := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx, ok, err := r.AssignFirstUnassigned(client)
			if err != nil || !ok {
				t.Errorf("AssignFirstUnassigned: idx=%d ok=%v err=%v", idx, ok, err)
				return
			}
			indices[i] = idx
		}(i)
	}
	wg.Wait()

	for i, idx := range indices {
		if idx != indices[0] {
			t.Fatalf("inconsistent index for same client: indices[%d]=%d, indices[0]=%d", i, idx, indices[0])
		}
	}

	assigned := 0
	for _, snap := range r.Snapshot() {
		if snap.State != Unassigned {
			assigned++
		}
	}
	if assigned != 1 {
		t.Fatalf("expected exactly 1 assigned record, got %d", assigned)
	}
}
