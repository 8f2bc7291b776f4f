// Package pairing implements the matchmaking state machine: a single-slot
// waiting buffer and the symmetric partner relation between two endpoints.
//
// Every transition (Join, Next, Disconnect) runs under one exclusive lock, so
// the slot read/clear and both partner updates are atomic as a unit. The
// signaling relay only reads the relation and uses the shared side of the
// same lock through WithPartner.
package pairing

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/whisper/video-relay/internal/metrics"
	"github.com/whisper/video-relay/internal/registry"
)

// ErrUnknownEndpoint is returned for transitions on an id that never joined
// or has already been closed.
var ErrUnknownEndpoint = errors.New("pairing: unknown endpoint")

// State is the lifecycle state of one endpoint.
type State int

const (
	// StateClosed is terminal. Ids the engine does not know are Closed.
	StateClosed State = iota
	// StateWaiting means the endpoint occupies the waiting slot.
	StateWaiting
	// StatePaired means the endpoint has a live partner.
	StatePaired
	// StateIdle means the endpoint is connected but neither paired nor
	// queued. A partner left behind by "next" lands here until it acts.
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StatePaired:
		return "paired"
	case StateIdle:
		return "idle"
	default:
		return "closed"
	}
}

// Notifier receives the events produced by transitions. Methods are called
// while the engine lock is held and must not block or call back into the
// engine; implementations are expected to enqueue and return.
type Notifier interface {
	Waiting(id string)
	Matched(id, partnerID string, initiator bool)
	PartnerLeft(id string)
}

// Engine owns the waiting slot and the partner relation.
type Engine struct {
	mu       sync.RWMutex
	reg      *registry.Registry
	notify   Notifier
	log      *zap.Logger
	slot     string
	partners map[string]string
	states   map[string]State
}

// NewEngine creates an Engine that admits endpoints into reg and reports
// transitions to notify.
func NewEngine(reg *registry.Registry, notify Notifier, log *zap.Logger) *Engine {
	return &Engine{
		reg:      reg,
		notify:   notify,
		log:      log,
		partners: make(map[string]string),
		states:   make(map[string]State),
	}
}

// Join admits ep into the registry and runs the connect transition: ep either
// takes the empty waiting slot or is paired with its occupant, in which case
// ep is the initiator.
func (e *Engine) Join(ep *registry.Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.reg.Admit(ep); err != nil {
		return fmt.Errorf("pairing: join %s: %w", ep.ID, err)
	}
	e.states[ep.ID] = StateIdle
	e.matchLocked(ep.ID)
	return nil
}

// Next tears down id's current pairing, if any, and sends id back into
// matchmaking. The former partner is told it was left but is not requeued.
func (e *Engine) Next(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.states[id]; !ok {
		return ErrUnknownEndpoint
	}
	if partner, ok := e.partners[id]; ok {
		e.unpairLocked(id, partner)
		e.states[id] = StateIdle
	}
	e.matchLocked(id)
	return nil
}

// Disconnect runs the terminal transition for id: the partner (if any) is
// unpaired and notified, the waiting slot is cleared if id held it, and id
// is removed from the registry. Calling it for an unknown id is a no-op.
func (e *Engine) Disconnect(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.states[id]; !ok {
		e.reg.Remove(id)
		return
	}
	if partner, ok := e.partners[id]; ok {
		e.unpairLocked(id, partner)
	}
	if e.slot == id {
		e.slot = ""
		metrics.WaitingEndpoints.Set(0)
	}
	delete(e.states, id)
	e.reg.Remove(id)
}

// Eject runs the terminal transition for id's partner and returns the
// partner's endpoint. id is told its partner left and becomes idle. It
// returns false if id has no partner, so of two concurrent ejections of the
// same pair only the first succeeds.
func (e *Engine) Eject(id string) (*registry.Endpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	partner, ok := e.partners[id]
	if !ok {
		return nil, false
	}
	ep := e.reg.Get(partner)

	e.unpairLocked(partner, id)
	delete(e.states, partner)
	e.reg.Remove(partner)
	return ep, ep != nil
}

// WithPartner calls fn with id's partner while holding the shared lock, but
// only if both sides are still Paired with each other. It reports whether fn
// ran. Teardown takes the exclusive lock, so a partner cannot be closed while
// fn is running.
func (e *Engine) WithPartner(id string, fn func(partnerID string)) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	partner, ok := e.partners[id]
	if !ok {
		return false
	}
	if e.partners[partner] != id || e.states[partner] != StatePaired {
		e.log.Error("asymmetric partner relation",
			zap.String("session", id), zap.String("partner", partner))
		return false
	}
	fn(partner)
	return true
}

// PartnerOf returns id's current partner.
func (e *Engine) PartnerOf(id string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	partner, ok := e.partners[id]
	return partner, ok
}

// State returns the lifecycle state of id.
func (e *Engine) State(id string) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.states[id]
}

// Waiting returns the id occupying the waiting slot.
func (e *Engine) Waiting() (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.slot, e.slot != ""
}

// Pairs returns the number of active pairings.
func (e *Engine) Pairs() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.partners) / 2
}

// Validate checks the engine invariants: the relation is symmetric and
// irreflexive, only Paired endpoints have partners, and the slot holds the
// single Waiting endpoint. It returns the first violation found.
func (e *Engine) Validate() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for a, b := range e.partners {
		if a == b {
			return fmt.Errorf("pairing: %s is its own partner", a)
		}
		if e.partners[b] != a {
			return fmt.Errorf("pairing: %s -> %s is not symmetric", a, b)
		}
		if e.states[a] != StatePaired {
			return fmt.Errorf("pairing: %s has partner but state %s", a, e.states[a])
		}
		if e.reg.Get(a) == nil {
			return fmt.Errorf("pairing: %s is paired but not registered", a)
		}
	}

	waiting := 0
	for id, st := range e.states {
		switch st {
		case StateWaiting:
			waiting++
			if e.slot != id {
				return fmt.Errorf("pairing: %s is waiting outside the slot", id)
			}
		case StatePaired:
			if _, ok := e.partners[id]; !ok {
				return fmt.Errorf("pairing: %s is paired without partner", id)
			}
		}
	}
	if waiting > 1 {
		return fmt.Errorf("pairing: %d endpoints waiting", waiting)
	}
	if e.slot != "" && e.states[e.slot] != StateWaiting {
		return fmt.Errorf("pairing: slot holds %s in state %s", e.slot, e.states[e.slot])
	}
	return nil
}

// matchLocked is the connect transition for an unpaired id.
func (e *Engine) matchLocked(id string) {
	if e.slot == "" || e.slot == id {
		e.slot = id
		e.states[id] = StateWaiting
		metrics.WaitingEndpoints.Set(1)
		e.notify.Waiting(id)
		return
	}

	waiting := e.slot
	e.slot = ""
	metrics.WaitingEndpoints.Set(0)

	e.partners[id] = waiting
	e.partners[waiting] = id
	e.states[id] = StatePaired
	e.states[waiting] = StatePaired
	metrics.MatchesTotal.Inc()
	metrics.ActivePairs.Inc()

	e.notify.Matched(id, waiting, true)
	e.notify.Matched(waiting, id, false)

	e.log.Debug("matched", zap.String("initiator", id), zap.String("responder", waiting))
}

// unpairLocked clears both sides of the relation and notifies the side that
// did not act. The acting side's state is left for the caller to set.
func (e *Engine) unpairLocked(id, partner string) {
	delete(e.partners, id)
	delete(e.partners, partner)
	metrics.ActivePairs.Dec()

	e.states[partner] = StateIdle
	e.notify.PartnerLeft(partner)
}
