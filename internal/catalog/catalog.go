// Package catalog holds the frozen snapshot of workloads dispatched during a
// single run.
package catalog

import (
	"context"
	"fmt"
	"io"
)

// ContentType is the closed set of source content-types the catalog admits.
// Any source content-type outside this enumeration is rejected at catalog
// build time (spec.md §4.1).
type ContentType string

const (
	TypeEFI ContentType = "application/vnd.dispatch+efi"
	TypeISO ContentType = "application/vnd.dispatch+iso"
	TypeImg ContentType = "application/vnd.dispatch+img"
)

// servedContentType is the authoritative source→served translation table.
// It is the sole admission filter for the catalog.
var servedContentType = map[ContentType]string{
	TypeEFI: "application/efi",
	TypeISO: "application/vnd.efi-iso",
	TypeImg: "application/vnd.efi-img",
}

// ErrUnrecognizedContentType is returned when a listing entry's source
// content-type is not in the recognized set.
type ErrUnrecognizedContentType struct {
	Name        string
	ContentType string
}

func (e *ErrUnrecognizedContentType) Error() string {
	return fmt.Sprintf("asset %q: unrecognized content-type %q", e.Name, e.ContentType)
}

// ErrEmpty is returned when no catalog entries survive filtering.
var ErrEmpty = fmt.Errorf("catalog: no dispatchable assets survived the filter")

// ByteSource streams a workload's bytes on demand. Implementations must be
// safe to call Open multiple times (retries, sticky re-downloads) and must
// yield between chunks rather than buffering the whole payload.
type ByteSource interface {
	// Open returns a reader for the full workload body starting at offset 0.
	// Callers are responsible for closing the returned reader.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Entry is a single listing item supplied by the upstream collaborator
// (spec.md §4.1), before admission filtering.
type Entry struct {
	Name              string
	Size              int64
	SourceContentType string
	Source            ByteSource
}

// Workload is an immutable catalog entry: a stable identifier, declared
// size, the externally-visible served content-type, and a lazy byte source.
type Workload struct {
	Name        string
	Size        int64
	ContentType string // served content-type, e.g. "application/efi"
	Source      ByteSource
}

// Catalog is the frozen, ordered set of workloads for this run. It is
// immutable after Build returns; indices are stable for the run's lifetime
// (spec.md §3 invariant 4).
type Catalog struct {
	workloads []Workload
}

// Build filters entries by recognized content-type and, if names is
// non-empty, by literal name membership. Order of surviving entries follows
// the order of entries. Returns ErrEmpty if nothing survives.
func Build(entries []Entry, names []string) (*Catalog, error) {
	var nameFilter map[string]struct{}
	if len(names) > 0 {
		nameFilter = make(map[string]struct{}, len(names))
		for _, n := range names {
			nameFilter[n] = struct{}{}
		}
	}

	workloads := make([]Workload, 0, len(entries))
	for _, e := range entries {
		served, ok := servedContentType[ContentType(e.SourceContentType)]
		if !ok {
			continue
		}
		if nameFilter != nil {
			if _, ok := nameFilter[e.Name]; !ok {
				continue
			}
		}
		workloads = append(workloads, Workload{
			Name:        e.Name,
			Size:        e.Size,
			ContentType: served,
			Source:      e.Source,
		})
	}

	if len(workloads) == 0 {
		return nil, ErrEmpty
	}

	return &Catalog{workloads: workloads}, nil
}

// Len returns the number of workloads in the catalog.
func (c *Catalog) Len() int {
	return len(c.workloads)
}

// At returns the workload at idx. idx must be in [0, Len()).
func (c *Catalog) At(idx int) Workload {
	return c.workloads[idx]
}

// All returns the workloads in catalog order. The returned slice must not
// be mutated by callers.
func (c *Catalog) All() []Workload {
	return c.workloads
}

// ServedContentType exposes the translation table for documentation and
// doctor/inspect reporting; it is not used for admission outside Build.
func ServedContentType() map[ContentType]string {
	out := make(map[ContentType]string, len(servedContentType))
	for k, v := range servedContentType {
		out[k] = v
	}
	return out
}
