// The duplex channel handler: websocket upgrade, identify/welcome/leave
// lifecycle, and role-gated opcode dispatch (spec §4.5, §4.8).
package api

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/canvasd/canvasd/internal/query"
	"github.com/canvasd/canvasd/internal/relay"
	"github.com/canvasd/canvasd/internal/session"
	"github.com/canvasd/canvasd/internal/stroke"
	"github.com/canvasd/canvasd/internal/wire"
)

// conn wraps one websocket connection with the write mutex gorilla's
// docs require: a single connection supports one concurrent reader and
// one concurrent writer, but the relay fan-out and this session's own
// request handling both write from different goroutines.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// hub tracks live connections by session id and implements relay.Sender
// so the relay can deliver frames without knowing about websockets.
type hub struct {
	mu       sync.RWMutex
	conns    map[string]*conn
	registry *session.Registry
	logger   *log.Logger
}

func newHub(reg *session.Registry, logger *log.Logger) *hub {
	return &hub{conns: make(map[string]*conn), registry: reg, logger: logger}
}

func (h *hub) add(id string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[id] = c
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

// Send implements relay.Sender.
func (h *hub) Send(sessionID string, frame []byte) error {
	h.mu.RLock()
	c, ok := h.conns[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.send(frame)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wsConnections.Inc()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("api: websocket upgrade failed: %v", err)
		}
		return
	}
	defer ws.Close()

	c := &conn{ws: ws}

	sess, err := s.awaitIdentify(c)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("api: identify failed: %v", err)
		}
		return
	}

	s.hub.add(sess.ID, c)
	defer s.hub.remove(sess.ID)
	defer s.onDisconnect(sess.ID)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			// Malformed frames are dropped silently, not fatal (spec §4.8).
			continue
		}
		s.dispatch(c, sess, frame)
	}
}

// awaitIdentify blocks for the mandatory first frame, registers the
// session per its requested role, and — for peer role — sends the
// welcome frame (spec §4.5 steps 1-4).
func (s *Server) awaitIdentify(c *conn) (*session.Session, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	frame, err := wire.Decode(raw)
	if err != nil {
		return nil, err
	}
	if frame.Op != wire.OpIdentify {
		return nil, fmt.Errorf("api: first frame must be identify, got op %d", frame.Op)
	}
	id, err := wire.DecodeIdentify(frame.Payload)
	if err != nil {
		return nil, err
	}

	role := wire.RoleFromWire(id.Role)
	if role == session.RoleTiles {
		sess := s.registry.IdentifyTiles()
		return sess, nil
	}

	sess, others := s.registry.IdentifyPeer()
	welcome := wire.EncodeWelcome(sess.ID, sess.CursorColor, sess.DisplayName, others)
	if err := c.send(welcome); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Server) onDisconnect(id string) {
	if s.registry.Remove(id) {
		s.relay.BroadcastLeave(id)
	}
}

// dispatch handles one decoded frame, enforcing the role gating from
// spec §4.8: a peer session may send presence and stroke; a tiles
// session may only send tilesRequest.
func (s *Server) dispatch(c *conn, sess *session.Session, frame wire.Frame) {
	switch frame.Op {
	case wire.OpPresence:
		if sess.Role != session.RolePeer {
			return
		}
		s.handlePresenceFrame(sess, frame)
	case wire.OpStroke:
		if sess.Role != session.RolePeer {
			return
		}
		s.handleStrokeFrame(sess, frame)
	case wire.OpTilesRequest:
		if sess.Role != session.RoleTiles {
			return
		}
		s.handleTilesRequestFrame(c, frame)
	default:
		// identify/welcome/tileData/tileBatchDone/leave are
		// server-to-client only and are ignored if echoed back.
	}
}

func (s *Server) handlePresenceFrame(sess *session.Session, frame wire.Frame) {
	upd, err := wire.DecodePresenceUpdate(frame.Payload)
	if err != nil {
		return
	}
	updated, ok := s.registry.Update(sess.ID, upd)
	if !ok {
		return
	}
	s.relay.BroadcastPresence(sess.ID, updated.X, updated.Y, updated.CursorColor, updated.DisplayName)
}

func (s *Server) handleStrokeFrame(sess *session.Session, frame wire.Frame) {
	st, err := wire.DecodeStroke(frame.Payload)
	if err != nil {
		return
	}
	st.UserID = sess.ID
	if _, err := s.coordinator.AcceptCanonical(st, sess.ID); err != nil && s.logger != nil {
		s.logger.Printf("api: websocket stroke rejected: %v", err)
	}
}

func (s *Server) handleTilesRequestFrame(c *conn, frame wire.Frame) {
	req, err := wire.DecodeTilesRequest(frame.Payload)
	if err != nil {
		return
	}
	tiles := make([]query.TileCoord, len(req.Tiles))
	for i, t := range req.Tiles {
		tiles[i] = query.TileCoord{TX: t[0], TY: t[1]}
	}

	_, err = s.query.Stream(req.Z, tiles, func(tx, ty int, strokes []stroke.Stroke) error {
		return c.send(wire.EncodeTileData(req.ReqID, req.Z, tx, ty, strokes))
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("api: tilesRequest stream failed: %v", err)
		}
		return
	}
	_ = c.send(wire.EncodeTileBatchDone(req.ReqID))
}

var _ relay.Sender = (*hub)(nil)
