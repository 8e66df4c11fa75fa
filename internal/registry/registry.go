// Package registry holds the per-build table of file synchronization states.
//
// A Registry is filled once while the manifest is ingested and then frozen
// into a sorted slice. After Freeze the set of paths never changes; only the
// state of individual records does, each under the record's own lock.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrDuplicatePath is returned by Freeze when a path was inserted twice.
var ErrDuplicatePath = errors.New("duplicate path in registry")

type phase int32

const (
	phaseInitial phase = iota
	phaseAccumulating
	phaseFrozen
)

func (p phase) String() string {
	switch p {
	case phaseInitial:
		return "initial"
	case phaseAccumulating:
		return "accumulating"
	case phaseFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// Record is one file known to the registry.
type Record struct {
	Path  string
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Swap sets the state and returns the previous one.
func (r *Record) Swap(s State) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.state
	r.state = s
	return old
}

// Transition runs fn with the record locked. fn receives the current state
// and returns the new one. The lock is held for the whole call, so fn may
// block; other records are unaffected.
func (r *Record) Transition(fn func(State) State) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = fn(r.state)
	return r.state
}

// Registry maps canonical paths to records.
type Registry struct {
	pending []*Record
	records []*Record
	phase   atomic.Int32
}

// New returns an empty registry in its initial phase.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) current() phase {
	return phase(r.phase.Load())
}

func (r *Registry) mustBe(want phase, op string) {
	if got := r.current(); got != want {
		panic(fmt.Sprintf("registry: %s called while %s (want %s)", op, got, want))
	}
}

// Begin opens the registry for inserts. Calling it twice panics.
func (r *Registry) Begin() {
	if !r.phase.CompareAndSwap(int32(phaseInitial), int32(phaseAccumulating)) {
		panic(fmt.Sprintf("registry: Begin called while %s", r.current()))
	}
}

// Insert adds a path. Valid only between Begin and Freeze; not safe for
// concurrent use.
func (r *Registry) Insert(path string, s State) {
	r.mustBe(phaseAccumulating, "Insert")
	r.pending = append(r.pending, &Record{Path: path, state: s})
}

// Freeze sorts the accumulated records and makes them available to Lookup.
func (r *Registry) Freeze() error {
	r.mustBe(phaseAccumulating, "Freeze")

	recs := r.pending
	r.pending = nil
	slices.SortFunc(recs, func(a, b *Record) int {
		return strings.Compare(a.Path, b.Path)
	})
	for i := 1; i < len(recs); i++ {
		if recs[i].Path == recs[i-1].Path {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, recs[i].Path)
		}
	}

	r.records = recs
	r.phase.Store(int32(phaseFrozen))
	return nil
}

// Frozen reports whether Freeze has completed.
func (r *Registry) Frozen() bool {
	return r.current() == phaseFrozen
}

// Lookup finds the record for path. It returns (nil, false) for unknown
// paths. Calling it before Freeze panics.
func (r *Registry) Lookup(path string) (*Record, bool) {
	r.mustBe(phaseFrozen, "Lookup")

	i, found := slices.BinarySearchFunc(r.records, path, func(rec *Record, p string) int {
		return strings.Compare(rec.Path, p)
	})
	if !found {
		return nil, false
	}
	return r.records[i], true
}

// Len returns the number of records. Before Freeze it counts pending inserts.
func (r *Registry) Len() int {
	if r.Frozen() {
		return len(r.records)
	}
	return len(r.pending)
}

// Records calls fn for every record in path order. Valid only after Freeze.
func (r *Registry) Records(fn func(*Record) bool) {
	r.mustBe(phaseFrozen, "Records")
	for _, rec := range r.records {
		if !fn(rec) {
			return
		}
	}
}

// Counts returns how many records are in each state.
func (r *Registry) Counts() map[State]int {
	counts := make(map[State]int)
	r.Records(func(rec *Record) bool {
		counts[rec.State()]++
		return true
	})
	return counts
}
