package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/dispatch/internal/catalog"
)

// ErrTransitionMismatch is returned by Transition when the record's current
// state does not satisfy the supplied predicate.
var ErrTransitionMismatch = errors.New("registry: transition predicate mismatch")

// ErrAlreadyAssigned is returned by Assign when the workload is not
// Unassigned.
var ErrAlreadyAssigned = errors.New("registry: workload already assigned")

// ErrUnknownAssignee is returned when a beacon notification names a client
// address with no assigned workload (spec.md BeaconMisaddressed).
var ErrUnknownAssignee = errors.New("registry: no workload assigned to this client")

// ErrInvalidTransition is returned when a beacon event is inconsistent with
// the workload's current state (spec.md InvalidTransition).
var ErrInvalidTransition = errors.New("registry: invalid transition for current state")

// Event describes one accepted transition, emitted after the per-record
// guard is released. Observers must not block.
type Event struct {
	Index        int
	WorkloadName string
	From         State
	To           State
	Assignee     string
	At           time.Time
}

// Snapshot is a non-mutating copy of a Lifecycle Record.
type Snapshot struct {
	Index         int
	Workload      catalog.Workload
	State         State
	Assignee      string
	Payload       []byte
	FailureReason FailureReason
	Timestamps    map[State]time.Time
}

type record struct {
	mu sync.Mutex

	index         int
	workload      catalog.Workload
	state         State
	assignee      string
	payload       []byte
	failureReason FailureReason
	timestamps    map[State]time.Time
}

func (r *record) snapshotLocked() Snapshot {
	ts := make(map[State]time.Time, len(r.timestamps))
	for k, v := range r.timestamps {
		ts[k] = v
	}
	var payload []byte
	if r.payload != nil {
		payload = append([]byte(nil), r.payload...)
	}
	return Snapshot{
		Index:         r.index,
		Workload:      r.workload,
		State:         r.state,
		Assignee:      r.assignee,
		Payload:       payload,
		FailureReason: r.failureReason,
		Timestamps:    ts,
	}
}

// Registry owns one Lifecycle Record per Catalog entry for the life of the
// process. It is the sole mutator of lifecycle state (spec.md §4.2).
type Registry struct {
	records []*record

	observersMu sync.Mutex
	observers   []func(Event)

	assignedMu sync.Mutex
	assignedTo map[string]int // client address -> record index, non-terminal only
}

// New builds a Registry with one Unassigned record per catalog entry.
func New(cat *catalog.Catalog) *Registry {
	records := make([]*record, cat.Len())
	for i := 0; i < cat.Len(); i++ {
		records[i] = &record{
			index:      i,
			workload:   cat.At(i),
			state:      Unassigned,
			timestamps: map[State]time.Time{Unassigned: time.Now()},
		}
	}
	return &Registry{
		records:    records,
		assignedTo: make(map[string]int),
	}
}

// AddObserver registers fn to be invoked (outside any record lock) after
// every accepted transition, in addition to any previously registered
// observers. Intended for the journal (internal/journal) and the result
// sink (internal/sink), both of which react to transitions independently.
// fn must not block.
func (r *Registry) AddObserver(fn func(Event)) {
	r.observersMu.Lock()
	r.observers = append(r.observers, fn)
	r.observersMu.Unlock()
}

// Len returns the number of Lifecycle Records.
func (r *Registry) Len() int {
	return len(r.records)
}

func (r *Registry) emit(ev Event) {
	r.observersMu.Lock()
	observers := r.observers
	r.observersMu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
}

// Transition atomically verifies the current state against pred and, if it
// matches, moves the record to to. It returns the prior state, or
// ErrTransitionMismatch if pred rejected the current state.
func (r *Registry) Transition(idx int, pred func(State) bool, to State) (State, error) {
	rec := r.records[idx]
	rec.mu.Lock()
	prior := rec.state
	if !pred(prior) {
		rec.mu.Unlock()
		return prior, ErrTransitionMismatch
	}
	rec.state = to
	rec.timestamps[to] = time.Now()
	name := rec.workload.Name
	assignee := rec.assignee
	rec.mu.Unlock()

	r.emit(Event{Index: idx, WorkloadName: name, From: prior, To: to, Assignee: assignee, At: time.Now()})
	return prior, nil
}

// Assign is shorthand for Unassigned -> Assigned{client}, failing with
// ErrAlreadyAssigned if the workload is not currently Unassigned.
func (r *Registry) Assign(idx int, client string) error {
	rec := r.records[idx]
	rec.mu.Lock()
	if rec.state != Unassigned {
		rec.mu.Unlock()
		return ErrAlreadyAssigned
	}
	rec.state = Assigned
	rec.assignee = client
	rec.timestamps[Assigned] = time.Now()
	name := rec.workload.Name
	rec.mu.Unlock()

	r.assignedMu.Lock()
	r.assignedTo[client] = idx
	r.assignedMu.Unlock()

	r.emit(Event{Index: idx, WorkloadName: name, From: Unassigned, To: Assigned, Assignee: client, At: time.Now()})
	return nil
}

// Observe returns a non-mutating snapshot of record idx.
func (r *Registry) Observe(idx int) Snapshot {
	rec := r.records[idx]
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked()
}

// Snapshot returns a non-mutating copy of every record, in catalog order.
func (r *Registry) Snapshot() []Snapshot {
	out := make([]Snapshot, len(r.records))
	for i, rec := range r.records {
		rec.mu.Lock()
		out[i] = rec.snapshotLocked()
		rec.mu.Unlock()
	}
	return out
}

// AllTerminal reports whether every record is Finished or Failed.
func (r *Registry) AllTerminal() bool {
	for _, rec := range r.records {
		rec.mu.Lock()
		terminal := rec.state.Terminal()
		rec.mu.Unlock()
		if !terminal {
			return false
		}
	}
	return true
}

// FindByAssignee returns the record index currently (non-terminally)
// assigned to client, if any. It is the basis of the Dispatch Queue's sticky
// assignment (spec.md §4.3) and of beacon notification routing (§4.5).
func (r *Registry) FindByAssignee(client string) (int, bool) {
	r.assignedMu.Lock()
	idx, ok := r.assignedTo[client]
	r.assignedMu.Unlock()
	if !ok {
		return 0, false
	}

	rec := r.records[idx]
	rec.mu.Lock()
	terminal := rec.state.Terminal()
	rec.mu.Unlock()
	if terminal {
		return 0, false
	}
	return idx, true
}

// FirstUnassigned returns the lowest-index record currently Unassigned.
func (r *Registry) FirstUnassigned() (int, bool) {
	for i, rec := range r.records {
		rec.mu.Lock()
		isUnassigned := rec.state == Unassigned
		rec.mu.Unlock()
		if isUnassigned {
			return i, true
		}
	}
	return 0, false
}

// AssignFirstUnassigned implements the Dispatch Queue's selection policy
// (spec.md §4.3) as a single atomic operation: if client already holds a
// non-terminal assignment, that index is returned; otherwise the
// lowest-index Unassigned record is assigned to client. ok is false only
// when client has no existing assignment and none remain (the caller's
// cue to serve Exhausted/the Shutdown artifact).
//
// The find-existing-or-assign-fresh sequence runs under a single
// assignedMu critical section, so two concurrent callers for the same
// new client can never both walk away with a distinct index — one wins
// the fresh assignment and the other observes it via assignedTo, closing
// the race that a separate FindByAssignee-then-Assign pair would leave
// open (spec.md §8 Invariant 1, §4.3 "stable under concurrent callers").
func (r *Registry) AssignFirstUnassigned(client string) (idx int, ok bool, err error) {
	r.assignedMu.Lock()

	if existing, has := r.assignedTo[client]; has {
		rec := r.records[existing]
		rec.mu.Lock()
		terminal := rec.state.Terminal()
		rec.mu.Unlock()
		if !terminal {
			r.assignedMu.Unlock()
			return existing, true, nil
		}
		delete(r.assignedTo, client)
	}

	for {
		candidate, found := r.firstUnassignedLocked()
		if !found {
			r.assignedMu.Unlock()
			return 0, false, nil
		}

		rec := r.records[candidate]
		rec.mu.Lock()
		if rec.state != Unassigned {
			rec.mu.Unlock()
			// Lost a race to a direct Assign call for this index; retry
			// selection without releasing assignedMu.
			continue
		}
		rec.state = Assigned
		rec.assignee = client
		rec.timestamps[Assigned] = time.Now()
		name := rec.workload.Name
		rec.mu.Unlock()

		r.assignedTo[client] = candidate
		r.assignedMu.Unlock()

		r.emit(Event{Index: candidate, WorkloadName: name, From: Unassigned, To: Assigned, Assignee: client, At: time.Now()})
		return candidate, true, nil
	}
}

// firstUnassignedLocked is FirstUnassigned's scan, callable while
// assignedMu is already held (AssignFirstUnassigned). It only ever takes a
// record's own mu, never assignedMu, so it cannot deadlock against the
// caller's held lock.
func (r *Registry) firstUnassignedLocked() (int, bool) {
	for i, rec := range r.records {
		rec.mu.Lock()
		isUnassigned := rec.state == Unassigned
		rec.mu.Unlock()
		if isUnassigned {
			return i, true
		}
	}
	return 0, false
}

// BeginDownload transitions Assigned{client} -> Downloading{client}. If the
// record is already Downloading for this client it is a no-op (GET without
// a preceding HEAD observing the Assigned state is legal). Any other state,
// or a mismatched assignee, is a caller error.
func (r *Registry) BeginDownload(idx int, client string) error {
	rec := r.records[idx]
	rec.mu.Lock()
	if rec.assignee != client {
		rec.mu.Unlock()
		return fmt.Errorf("%w: record %d is not assigned to %q", ErrTransitionMismatch, idx, client)
	}
	switch rec.state {
	case Downloading:
		rec.mu.Unlock()
		return nil
	case Assigned:
		rec.state = Downloading
		rec.timestamps[Downloading] = time.Now()
		name := rec.workload.Name
		rec.mu.Unlock()
		r.emit(Event{Index: idx, WorkloadName: name, From: Assigned, To: Downloading, Assignee: client, At: time.Now()})
		return nil
	default:
		prior := rec.state
		rec.mu.Unlock()
		return fmt.Errorf("%w: record %d is %s, not assigned/downloading", ErrTransitionMismatch, idx, prior)
	}
}

// CompleteDownload transitions Downloading{client} -> Booting{client} on a
// clean GET completion. It is idempotent against a concurrent beacon boot
// notification that already moved the record to Booting (spec.md §3 [A]/[B]).
func (r *Registry) CompleteDownload(idx int, client string) error {
	rec := r.records[idx]
	rec.mu.Lock()
	if rec.assignee != client {
		rec.mu.Unlock()
		return fmt.Errorf("%w: record %d is not assigned to %q", ErrTransitionMismatch, idx, client)
	}
	if rec.state == Booting {
		rec.mu.Unlock()
		return nil
	}
	if rec.state != Downloading {
		prior := rec.state
		rec.mu.Unlock()
		return fmt.Errorf("%w: record %d is %s, not downloading", ErrTransitionMismatch, idx, prior)
	}
	rec.state = Booting
	rec.timestamps[Booting] = time.Now()
	name := rec.workload.Name
	rec.mu.Unlock()

	r.emit(Event{Index: idx, WorkloadName: name, From: Downloading, To: Booting, Assignee: client, At: time.Now()})
	return nil
}

// AbortDownload transitions Downloading{client} -> Failed{TransferAborted}
// on a mid-stream client disconnect.
func (r *Registry) AbortDownload(idx int, client string) error {
	return r.failIfState(idx, client, Downloading, ReasonTransferAborted)
}

// BeaconBoot handles a boot notification from client. It locates the
// non-terminal record assigned to client and moves it into Booting,
// accepting the transition from Assigned, Downloading, or (idempotently)
// Booting itself (spec.md §4.5, the [A]/[B] race).
func (r *Registry) BeaconBoot(client string) (int, error) {
	idx, ok := r.FindByAssignee(client)
	if !ok {
		return 0, ErrUnknownAssignee
	}

	rec := r.records[idx]
	rec.mu.Lock()
	if rec.assignee != client {
		rec.mu.Unlock()
		return 0, ErrUnknownAssignee
	}
	prior := rec.state
	switch prior {
	case Booting:
		rec.mu.Unlock()
		return idx, nil
	case Assigned, Downloading:
		rec.state = Booting
		rec.timestamps[Booting] = time.Now()
		name := rec.workload.Name
		rec.mu.Unlock()
		r.emit(Event{Index: idx, WorkloadName: name, From: prior, To: Booting, Assignee: client, At: time.Now()})
		return idx, nil
	default:
		rec.mu.Unlock()
		return 0, fmt.Errorf("%w: record %d is %s", ErrInvalidTransition, idx, prior)
	}
}

// BeaconReport handles a result-report notification. It requires the record
// assigned to client to currently be Booting and moves it to
// Reported{client, payload}. A second report for the same workload is
// rejected with ErrInvalidTransition.
func (r *Registry) BeaconReport(client string, payload []byte) (int, error) {
	idx, ok := r.FindByAssignee(client)
	if !ok {
		return 0, ErrUnknownAssignee
	}

	rec := r.records[idx]
	rec.mu.Lock()
	if rec.assignee != client {
		rec.mu.Unlock()
		return 0, ErrUnknownAssignee
	}
	if rec.state != Booting {
		prior := rec.state
		rec.mu.Unlock()
		return 0, fmt.Errorf("%w: record %d is %s, not booting", ErrInvalidTransition, idx, prior)
	}
	rec.state = Reported
	rec.payload = append([]byte(nil), payload...)
	rec.timestamps[Reported] = time.Now()
	name := rec.workload.Name
	rec.mu.Unlock()

	r.emit(Event{Index: idx, WorkloadName: name, From: Booting, To: Reported, Assignee: client, At: time.Now()})
	return idx, nil
}

// MarkFinished transitions Reported{client,p} -> Finished{client} after the
// Result Sink has acknowledged the report.
func (r *Registry) MarkFinished(idx int) error {
	rec := r.records[idx]
	rec.mu.Lock()
	if rec.state != Reported {
		prior := rec.state
		rec.mu.Unlock()
		return fmt.Errorf("%w: record %d is %s, not reported", ErrTransitionMismatch, idx, prior)
	}
	rec.state = Finished
	rec.timestamps[Finished] = time.Now()
	name := rec.workload.Name
	assignee := rec.assignee
	rec.mu.Unlock()

	r.clearAssignment(assignee, idx)
	r.emit(Event{Index: idx, WorkloadName: name, From: Reported, To: Finished, Assignee: assignee, At: time.Now()})
	return nil
}

// MarkSinkFailed transitions Reported{client,p} -> Failed{SinkError} after
// the Result Sink exhausts its internal retry policy.
func (r *Registry) MarkSinkFailed(idx int) error {
	rec := r.records[idx]
	rec.mu.Lock()
	if rec.state != Reported {
		prior := rec.state
		rec.mu.Unlock()
		return fmt.Errorf("%w: record %d is %s, not reported", ErrTransitionMismatch, idx, prior)
	}
	rec.mu.Unlock()
	return r.failIfState(idx, rec.assignee, Reported, ReasonSinkError)
}

func (r *Registry) failIfState(idx int, client string, want State, reason FailureReason) error {
	rec := r.records[idx]
	rec.mu.Lock()
	if client != "" && rec.assignee != client {
		rec.mu.Unlock()
		return fmt.Errorf("%w: record %d is not assigned to %q", ErrTransitionMismatch, idx, client)
	}
	if rec.state != want {
		prior := rec.state
		rec.mu.Unlock()
		return fmt.Errorf("%w: record %d is %s, not %s", ErrTransitionMismatch, idx, prior, want)
	}
	rec.state = Failed
	rec.failureReason = reason
	rec.timestamps[Failed] = time.Now()
	name := rec.workload.Name
	assignee := rec.assignee
	rec.mu.Unlock()

	r.clearAssignment(assignee, idx)
	r.emit(Event{Index: idx, WorkloadName: name, From: want, To: Failed, Assignee: assignee, At: time.Now()})
	return nil
}

func (r *Registry) clearAssignment(client string, idx int) {
	if client == "" {
		return
	}
	r.assignedMu.Lock()
	if cur, ok := r.assignedTo[client]; ok && cur == idx {
		delete(r.assignedTo, client)
	}
	r.assignedMu.Unlock()
}
