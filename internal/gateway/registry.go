package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/gochat/internal/auth"
)

type slot struct {
	conn       Conn
	identity   auth.Identity
	bound      bool
	reservedAt time.Time
	admittedAt time.Time
}

// Registry tracks reserved and admitted connections and enforces the
// capacity ceiling. A reserved slot counts against capacity but is not a
// member until Bind attaches an identity.
//
// All mutations take the write lock for a constant-time step; token
// verification never runs under it.
type Registry struct {
	mu         sync.RWMutex
	maxClients int
	slots      map[string]*slot
	now        func() time.Time
}

// NewRegistry creates a registry admitting at most maxClients connections.
// A non-positive maxClients admits nobody.
func NewRegistry(maxClients int) *Registry {
	if maxClients < 0 {
		maxClients = 0
	}
	return &Registry{
		maxClients: maxClients,
		slots:      make(map[string]*slot),
		now:        time.Now,
	}
}

// Capacity returns the configured ceiling.
func (r *Registry) Capacity() int {
	return r.maxClients
}

// Count returns the number of occupied slots, reserved or bound.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// TryAdmit reserves a slot for conn if one is free. The check and the
// reservation happen under one lock acquisition.
func (r *Registry) TryAdmit(conn Conn) bool {
	return r.reserve(conn) == nil
}

func (r *Registry) reserve(conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	if len(r.slots) >= r.maxClients {
		return ErrCapacityExceeded
	}
	r.slots[conn.ID()] = &slot{conn: conn, reservedAt: r.now()}
	return nil
}

// Bind attaches a verified identity to a reserved slot. The identity is set
// once; binding an already bound slot or a released one fails.
func (r *Registry) Bind(id string, identity auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[id]
	if !ok {
		return ErrUnknownConnection
	}
	if s.bound {
		return ErrAlreadyOpened
	}
	s.identity = identity
	s.bound = true
	s.admittedAt = r.now()
	return nil
}

// Remove releases the slot held by id. Removing an unknown id is a no-op.
// It returns the released member and whether it had been bound.
func (r *Registry) Remove(id string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[id]
	if !ok {
		return Member{}, false
	}
	delete(r.slots, id)
	return s.member(id), s.bound
}

// Identity returns the identity bound to id.
func (r *Registry) Identity(id string) (auth.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.slots[id]
	if !ok || !s.bound {
		return "", false
	}
	return s.identity, true
}

// Members returns the identities of all bound connections, oldest admission
// first. The same identity appears once per connection.
func (r *Registry) Members() []auth.Identity {
	snapshot := r.Snapshot()
	out := make([]auth.Identity, 0, len(snapshot))
	for _, m := range snapshot {
		out = append(out, m.Identity)
	}
	return out
}

// Snapshot returns every bound connection as seen at a single instant.
func (r *Registry) Snapshot() []Member {
	r.mu.RLock()
	out := make([]Member, 0, len(r.slots))
	for id, s := range r.slots {
		if s.bound {
			out = append(out, s.member(id))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AdmittedAt.Equal(out[j].AdmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AdmittedAt.Before(out[j].AdmittedAt)
	})
	return out
}

func (s *slot) member(id string) Member {
	return Member{
		ID:         id,
		Identity:   s.identity,
		AdmittedAt: s.admittedAt,
		Conn:       s.conn,
	}
}
