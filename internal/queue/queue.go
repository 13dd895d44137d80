// Package queue implements the Dispatch Queue (spec.md §4.3): a stateless
// selector over the Registry that hands out exactly one workload per
// requesting client.
package queue

import (
	"errors"

	"github.com/mattjoyce/dispatch/internal/catalog"
	"github.com/mattjoyce/dispatch/internal/registry"
)

// ErrExhausted signals that no workload remains for any caller; the caller
// should serve the Shutdown artifact instead.
var ErrExhausted = errors.New("queue: exhausted")

// Queue selects the next eligible workload for a client address. It holds
// no state of its own — all state lives in the Registry — so a Queue value
// is safe to share across goroutines and to reconstruct freely.
type Queue struct {
	registry *registry.Registry
	catalog  *catalog.Catalog
}

// New returns a Queue over reg, whose indices must correspond to cat.
func New(reg *registry.Registry, cat *catalog.Catalog) *Queue {
	return &Queue{registry: reg, catalog: cat}
}

// Next returns the workload for client: the workload already assigned to it
// (sticky assignment, handling HEAD/GET retries and reboots within a
// session), or else the lowest-index Unassigned workload, newly assigned to
// client. Returns ErrExhausted when no record is Unassigned and the
// client holds no non-terminal assignment. No record ever returns to
// Unassigned, so from then on every caller without a live assignment keeps
// getting ErrExhausted; a caller still holding a non-terminal assignment
// keeps receiving that workload.
//
// The find-existing-or-assign-fresh decision is delegated to the Registry
// as one atomic operation (AssignFirstUnassigned) rather than a
// FindByAssignee call followed by a separate Assign call: two concurrent
// Next calls for the same new client must not both walk away having
// assigned themselves distinct workloads (spec.md §4.3, §8 Invariant 1).
func (q *Queue) Next(client string) (int, catalog.Workload, error) {
	idx, ok, err := q.registry.AssignFirstUnassigned(client)
	if err != nil {
		return 0, catalog.Workload{}, err
	}
	if !ok {
		return 0, catalog.Workload{}, ErrExhausted
	}
	return idx, q.catalog.At(idx), nil
}
