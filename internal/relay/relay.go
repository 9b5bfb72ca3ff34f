// Package relay fans out live strokes, cursor presence, and leave events
// to connected peer sessions (spec §4.6); it sends no join event. It holds no state of
// its own beyond a handle to the session registry and a way to deliver
// a frame to a given session id; callers (the websocket handler) own
// the actual connections, following the one-way dependency the spec
// calls for: the relay reads the registry, sessions never hold a
// back-reference to the relay.
package relay

import (
	"log"

	"github.com/canvasd/canvasd/internal/session"
	"github.com/canvasd/canvasd/internal/stroke"
)

// Sender delivers an already-encoded frame to one session. Implemented
// by the websocket layer (internal/api); a failed send is swallowed
// here per spec §4.6 — the session's own close handler is responsible
// for registry cleanup.
type Sender interface {
	Send(sessionID string, frame []byte) error
}

// Encoder turns relay events into wire frames. Kept as an interface so
// relay does not need to import internal/wire directly; internal/wire
// implements it.
type Encoder interface {
	EncodePresence(id string, x, y float64, color, name string) []byte
	EncodeStroke(s stroke.Stroke) []byte
	EncodeLeave(id string) []byte
}

// Relay fans events out to every other connected peer session.
type Relay struct {
	registry *session.Registry
	sender   Sender
	encoder  Encoder
	logger   *log.Logger
}

// New builds a Relay over the given registry, sender, and encoder.
func New(reg *session.Registry, sender Sender, enc Encoder, logger *log.Logger) *Relay {
	return &Relay{registry: reg, sender: sender, encoder: enc, logger: logger}
}

// BroadcastPresence sends a presence update to every peer except the
// originating session.
func (r *Relay) BroadcastPresence(sessionID string, x, y float64, color, name string) {
	frame := r.encoder.EncodePresence(sessionID, x, y, color, name)
	r.fanOut(sessionID, frame)
}

// BroadcastStroke sends a canonical stroke to every peer except the
// originating session. Never called until after the stroke's insert
// has committed (spec §4.4 step 5, §5 "Relay vs persistence").
func (r *Relay) BroadcastStroke(sessionID string, s stroke.Stroke) {
	frame := r.encoder.EncodeStroke(s)
	r.fanOut(sessionID, frame)
}

// BroadcastLeave announces a departed session to every remaining peer.
func (r *Relay) BroadcastLeave(sessionID string) {
	frame := r.encoder.EncodeLeave(sessionID)
	r.fanOut("", frame)
}

func (r *Relay) fanOut(except string, frame []byte) {
	for _, id := range r.registry.Peers(except) {
		if err := r.sender.Send(id, frame); err != nil && r.logger != nil {
			r.logger.Printf("relay: send to %s failed: %v", id, err)
		}
	}
}
