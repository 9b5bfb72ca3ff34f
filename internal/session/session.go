// Package session implements the process-wide registry of connected
// peers (spec §4.5). It is pure in-memory; its lifecycle is tied to
// channel liveness, never persisted.
package session

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// Role is the immutable role a session is assigned on identify.
type Role int

const (
	// RoleUnidentified is the initial state before an identify frame.
	RoleUnidentified Role = iota
	RolePeer
	RoleTiles
)

// Session is one live duplex-channel connection.
type Session struct {
	ID          string
	Role        Role
	DisplayName string
	CursorColor string
	X, Y        float64
}

// Peer is the subset of Session presence broadcast to others.
type Peer struct {
	ID string
	X  float64
	Y  float64
}

var cursorHues = []string{
	"#e03131", "#f08c00", "#2f9e44", "#1971c2", "#7048e8", "#c2255c", "#0c8599", "#e8590c",
}

// Registry is the process-wide map from session id to session record.
// Mutation is serialized; reads may be concurrent.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// IdentifyPeer mints a fresh session, assigns default presence, inserts
// it into the registry, and returns it along with a snapshot of every
// other currently-connected peer (for the welcome message, spec §4.5
// step 4).
func (r *Registry) IdentifyPeer() (*Session, []Peer) {
	s := &Session{
		ID:          uuid.NewString(),
		Role:        RolePeer,
		CursorColor: cursorHues[rand.Intn(len(cursorHues))],
		X:           0,
		Y:           0,
	}
	s.DisplayName = defaultDisplayName(s.ID)

	r.mu.Lock()
	defer r.mu.Unlock()

	others := make([]Peer, 0, len(r.sessions))
	for _, existing := range r.sessions {
		if existing.Role == RolePeer {
			others = append(others, Peer{ID: existing.ID, X: existing.X, Y: existing.Y})
		}
	}
	r.sessions[s.ID] = s
	return s, others
}

// IdentifyTiles marks a session as tiles-only. It is not inserted into
// the registry: tiles sessions have no presence and never appear in a
// welcome snapshot or leave broadcast.
func (r *Registry) IdentifyTiles() *Session {
	return &Session{ID: uuid.NewString(), Role: RoleTiles}
}

const maxDisplayNameLen = 24

// PresenceUpdate carries a change to a peer session's cursor position,
// display name, and/or cursor color (applied by Registry.Update). Any
// subset of fields may be set; a nil field means "no change".
type PresenceUpdate struct {
	X           *float64
	Y           *float64
	DisplayName *string
	CursorColor *string
}

// Update applies a presence update to the named session, returning the
// session's post-update state. It reports ok=false if the session is
// not registered (e.g. already removed, or not a peer session).
func (r *Registry) Update(id string, upd PresenceUpdate) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, found := r.sessions[id]
	if !found {
		return Session{}, false
	}
	if upd.X != nil && finite(*upd.X) {
		s.X = *upd.X
	}
	if upd.Y != nil && finite(*upd.Y) {
		s.Y = *upd.Y
	}
	if upd.DisplayName != nil {
		name := *upd.DisplayName
		if len(name) > maxDisplayNameLen {
			name = name[:maxDisplayNameLen]
		}
		s.DisplayName = name
	}
	if upd.CursorColor != nil {
		s.CursorColor = *upd.CursorColor
	}
	return *s, true
}

// Remove deletes a session from the registry (called from the
// session's close handler) and reports whether it was a registered
// peer session (tiles sessions and already-removed sessions return
// false, meaning no leave broadcast is owed).
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, found := r.sessions[id]
	if !found {
		return false
	}
	delete(r.sessions, id)
	return s.Role == RolePeer
}

// Get returns a copy of the session's current state.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, found := r.sessions[id]
	if !found {
		return Session{}, false
	}
	return *s, true
}

// Peers returns every currently-registered peer session id, excluding
// except (pass "" to include all).
func (r *Registry) Peers(except string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.Role == RolePeer && id != except {
			ids = append(ids, id)
		}
	}
	return ids
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func defaultDisplayName(id string) string {
	if len(id) > 6 {
		return fmt.Sprintf("guest-%s", id[:6])
	}
	return fmt.Sprintf("guest-%s", id)
}
