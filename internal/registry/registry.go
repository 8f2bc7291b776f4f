// Package registry tracks every connected endpoint and its metadata. It is the
// source of truth for who is online and notifies observers whenever the
// online set changes.
package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrDuplicateID is returned by Admit when an endpoint with the same id is
// already registered. With uuid ids this indicates a bug; the new connection
// must be rejected rather than overwrite the existing entry.
var ErrDuplicateID = errors.New("registry: duplicate endpoint id")

// Endpoint is the server-side representation of one connected client.
// Pairing state is deliberately not stored here; see package pairing.
type Endpoint struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	mu      sync.RWMutex
	country string
}

// NewEndpoint creates an Endpoint stamped with the current time.
func NewEndpoint(id, remoteAddr string) *Endpoint {
	return &Endpoint{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}
}

// Country returns the ISO country code resolved for the endpoint, or "" if the
// lookup has not completed or failed.
func (e *Endpoint) Country() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.country
}

// SetCountry records the geolocation result. It may be called from any
// goroutine after the endpoint was admitted.
func (e *Endpoint) SetCountry(code string) {
	e.mu.Lock()
	e.country = code
	e.mu.Unlock()
}

// PresenceEvent is emitted after every effective Admit or Remove.
type PresenceEvent struct {
	Count int
	IDs   []string
}

// Registry is a goroutine-safe map of endpoint id to Endpoint.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	obsMu     sync.RWMutex
	observers []func(PresenceEvent)
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		endpoints: make(map[string]*Endpoint),
	}
}

// Subscribe registers fn to be called with a snapshot after every change to
// the online set. Observers run synchronously on the mutating goroutine and
// must not block.
func (r *Registry) Subscribe(fn func(PresenceEvent)) {
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

// Admit inserts ep. It fails with ErrDuplicateID if the id is taken.
func (r *Registry) Admit(ep *Endpoint) error {
	r.mu.Lock()
	if _, ok := r.endpoints[ep.ID]; ok {
		r.mu.Unlock()
		return ErrDuplicateID
	}
	r.endpoints[ep.ID] = ep
	ev := r.snapshotLocked()
	r.mu.Unlock()

	r.emit(ev)
	return nil
}

// Remove deletes the endpoint with the given id. Removing an absent id is a
// no-op and emits nothing. It reports whether an entry was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	if _, ok := r.endpoints[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.endpoints, id)
	ev := r.snapshotLocked()
	r.mu.Unlock()

	r.emit(ev)
	return true
}

// Get returns the endpoint for id, or nil if it is not registered.
func (r *Registry) Get(id string) *Endpoint {
	r.mu.RLock()
	ep := r.endpoints[id]
	r.mu.RUnlock()
	return ep
}

// Count returns the number of registered endpoints.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.endpoints)
	r.mu.RUnlock()
	return n
}

// ListIDs returns a snapshot of all registered ids in no particular order.
func (r *Registry) ListIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) snapshotLocked() PresenceEvent {
	return PresenceEvent{Count: len(r.endpoints), IDs: r.idsLocked()}
}

func (r *Registry) emit(ev PresenceEvent) {
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()

	for _, fn := range observers {
		fn(ev)
	}
}
