// Package relay implements the heterogeneous, type-tagged registry of
// spec.md §4.1 and §9 ("Heterogeneous registry"): values of different
// Go instantiations are stored under a common key by erasing each to
// `any` plus a reflect.Type tag, and a lookup compares the tag against
// the requested type before re-exposing a typed view. The same Fabric
// type backs both the message relay fabric (keyed by service ID,
// storing mailbox.Sender[M] values) and the state lookup registry
// (storing *broadcast.Slot[St] values) — the erasure mechanics are
// identical regardless of what is being stored.
//
// This generalizes internal/connwatch.Manager's map[string]*Watcher
// registry (itself a sync.RWMutex-guarded map keyed by service name)
// by adding the type tag spec.md §9 calls for.
package relay

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrUnknownService is returned when no entry is registered under the
// requested identifier.
var ErrUnknownService = errors.New("relay: unknown service")

// ErrWrongType is returned when an entry is registered under the
// requested identifier but was registered with a different type.
var ErrWrongType = errors.New("relay: wrong type")

// ErrDuplicateID is returned by Register when id is already registered
// (invariant I1: no two services may share an identifier).
var ErrDuplicateID = errors.New("relay: duplicate service id")

type entry struct {
	typ   reflect.Type
	value any
}

// Fabric is a registry of typed values keyed by string identifier.
type Fabric struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewFabric returns an empty, ready-to-use registry.
func NewFabric() *Fabric {
	return &Fabric{entries: make(map[string]entry)}
}

// Register records v under id. It fails with ErrDuplicateID if id is
// already registered, enforcing invariant I1 at graph construction
// time rather than at lookup time.
func Register[V any](f *Fabric, id string, v V) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	f.entries[id] = entry{typ: reflect.TypeFor[V](), value: v}
	return nil
}

// Lookup returns the value registered under id, re-exposed as type V.
// It fails with ErrUnknownService if id is not registered, and
// ErrWrongType if id is registered under a different type — a type
// mismatch is always a caller error, never a silent cast (invariant
// I2).
func Lookup[V any](f *Fabric, id string) (V, error) {
	var zero V
	f.mu.RLock()
	e, ok := f.entries[id]
	f.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrUnknownService, id)
	}
	want := reflect.TypeFor[V]()
	if e.typ != want {
		return zero, fmt.Errorf("%w: %q is %s, requested %s", ErrWrongType, id, e.typ, want)
	}
	return e.value.(V), nil
}

// Has reports whether id is registered, regardless of type.
func (f *Fabric) Has(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.entries[id]
	return ok
}

// Remove deletes id's entry, if any. Used when a service enters
// Stopped so that subsequent lookups fail fast with ErrUnknownService
// (spec.md §4.1 "Guarantees": after Stopped, send fails fast) rather
// than succeeding against a sender nobody is reading from.
func (f *Fabric) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
}
