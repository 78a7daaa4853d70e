// Package presence tracks which identities have live connections.
package presence

import (
	"errors"
	"sync"

	"github.com/samber/lo"

	"github.com/eldtechnologies/chatline/internal/metrics"
	"github.com/eldtechnologies/chatline/internal/models"
)

// ErrAlreadyBound is returned when a connection is bound a second time.
var ErrAlreadyBound = errors.New("connection already bound")

// Conn is a live connection handle events can be pushed to.
type Conn interface {
	ID() string
	// Deliver enqueues evt without blocking. It returns false if the
	// connection is closed or could not accept the event.
	Deliver(evt models.Event) bool
}

type entry struct {
	identity string
	conns    map[string]Conn
}

func (e *entry) online() bool {
	return len(e.conns) > 0
}

// Registry is the process-wide identity -> connections table. Entries are
// created on first bind and never removed, so the roster keeps offline
// identities.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []*entry          // first-bind order
	byConn  map[string]string // conn id -> identity
}

// NewRegistry creates an empty registry. Everyone starts offline.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		byConn:  make(map[string]string),
	}
}

// Bind registers conn under identity. On the identity's first live
// connection every other online identity is told it came online.
func (r *Registry) Bind(identity string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[conn.ID()]; ok {
		return ErrAlreadyBound
	}

	e, ok := r.entries[identity]
	if !ok {
		e = &entry{identity: identity, conns: make(map[string]Conn)}
		r.entries[identity] = e
		r.order = append(r.order, e)
	}

	wasOnline := e.online()
	e.conns[conn.ID()] = conn
	r.byConn[conn.ID()] = identity

	if !wasOnline {
		metrics.IdentitiesOnline.Inc()
		r.broadcastLocked(identity, models.NewPresenceEvent(identity, true))
	}
	return nil
}

// Unbind removes conn. When it was the identity's last connection every
// other online identity is told it went offline. Unbinding an unknown
// connection is a no-op. It returns the identity conn was bound to.
func (r *Registry) Unbind(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byConn[conn.ID()]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn.ID())

	e := r.entries[identity]
	delete(e.conns, conn.ID())

	if !e.online() {
		metrics.IdentitiesOnline.Dec()
		r.broadcastLocked(identity, models.NewPresenceEvent(identity, false))
	}
	return identity, true
}

// broadcastLocked pushes evt to every connection of every online identity
// except skip. Deliver never blocks, so holding the lock here keeps
// presence events in mutation order for every recipient.
func (r *Registry) broadcastLocked(skip string, evt models.Event) {
	for _, e := range r.order {
		if e.identity == skip {
			continue
		}
		for _, c := range e.conns {
			if c.Deliver(evt) {
				metrics.Deliveries.WithLabelValues(string(evt.Type)).Inc()
			} else {
				metrics.DeliveriesDropped.Inc()
			}
		}
	}
}

// IdentityOf returns the identity conn is bound to.
func (r *Registry) IdentityOf(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.byConn[conn.ID()]
	return identity, ok
}

// ConnectionsFor returns a snapshot of identity's live connections. It is
// empty when the identity is unknown or offline.
func (r *Registry) ConnectionsFor(identity string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[identity]
	if !ok {
		return nil
	}
	return lo.Values(e.conns)
}

// Online reports whether identity has at least one live connection.
func (r *Registry) Online(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[identity]
	return ok && e.online()
}

// Roster returns every identity bound during this process lifetime, in
// first-bind order.
func (r *Registry) Roster() []models.RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Map(r.order, func(e *entry, _ int) models.RosterEntry {
		return models.RosterEntry{Identity: e.identity, Online: e.online()}
	})
}

// Counts returns how many identities are known and how many are online.
func (r *Registry) Counts() (known, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order), lo.CountBy(r.order, func(e *entry) bool {
		return e.online()
	})
}
