// Package wire implements the channel protocol (spec §4.8): object
// framing ({type, payload}), compact array framing ([op, ...fields]),
// the authoritative opcode table, and encode/decode between the wire
// shapes and the domain types used by the rest of the server.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/canvasd/canvasd/internal/session"
	"github.com/canvasd/canvasd/internal/stroke"
)

// Op is one of the eight authoritative opcodes from spec §4.8.
type Op int

const (
	OpIdentify      Op = 0
	OpPresence      Op = 1
	OpStroke        Op = 2
	OpTilesRequest  Op = 3
	OpTileData      Op = 4
	OpWelcome       Op = 5
	OpTileBatchDone Op = 6
	OpLeave         Op = 7
)

// Frame is a decoded inbound message: either framing resolves to its
// opcode plus the still-encoded payload, which the Decode* helpers parse.
type Frame struct {
	Op      Op
	Payload json.RawMessage
}

// Decode accepts either an object-framed message ({"type":...,
// "payload":...}) or a compact array ([op, ...]) and normalizes both
// into a Frame carrying the opcode and the raw positional/object
// payload. Malformed input (not a JSON object or array, or an unknown
// opcode/type) returns an error; callers must drop the frame silently
// per spec §4.8, never close the channel.
func Decode(raw []byte) (Frame, error) {
	trimmed := bytesTrimSpace(raw)
	if len(trimmed) == 0 {
		return Frame{}, fmt.Errorf("wire: empty frame")
	}

	switch trimmed[0] {
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return Frame{}, fmt.Errorf("wire: decode array: %w", err)
		}
		if len(arr) == 0 {
			return Frame{}, fmt.Errorf("wire: empty array frame")
		}
		var opNum int
		if err := json.Unmarshal(arr[0], &opNum); err != nil {
			return Frame{}, fmt.Errorf("wire: decode op: %w", err)
		}
		op := Op(opNum)
		if !validOp(op) {
			return Frame{}, fmt.Errorf("wire: unknown opcode %d", opNum)
		}
		positional, err := json.Marshal(arr[1:])
		if err != nil {
			return Frame{}, fmt.Errorf("wire: re-marshal positional: %w", err)
		}
		return Frame{Op: op, Payload: positional}, nil

	case '{':
		var obj struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return Frame{}, fmt.Errorf("wire: decode object: %w", err)
		}
		op, ok := typeToOp[obj.Type]
		if !ok {
			return Frame{}, fmt.Errorf("wire: unknown type %q", obj.Type)
		}
		return Frame{Op: op, Payload: obj.Payload}, nil

	default:
		return Frame{}, fmt.Errorf("wire: frame is neither object nor array")
	}
}

func bytesTrimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func validOp(op Op) bool {
	return op >= OpIdentify && op <= OpLeave
}

var typeToOp = map[string]Op{
	"identify":       OpIdentify,
	"presence":       OpPresence,
	"stroke":         OpStroke,
	"tilesRequest":   OpTilesRequest,
	"tileData":       OpTileData,
	"welcome":        OpWelcome,
	"tileBatchDone":  OpTileBatchDone,
	"leave":          OpLeave,
}

var opToType = map[Op]string{
	OpIdentify:      "identify",
	OpPresence:      "presence",
	OpStroke:        "stroke",
	OpTilesRequest:  "tilesRequest",
	OpTileData:      "tileData",
	OpWelcome:       "welcome",
	OpTileBatchDone: "tileBatchDone",
	OpLeave:         "leave",
}

// IdentifyPayload is op 0's positional payload: [role].
type IdentifyPayload struct {
	Role int
}

// DecodeIdentify parses op 0's positional fields.
func DecodeIdentify(payload json.RawMessage) (IdentifyPayload, error) {
	var fields []int
	if err := json.Unmarshal(payload, &fields); err != nil {
		return IdentifyPayload{}, err
	}
	if len(fields) < 1 {
		return IdentifyPayload{}, fmt.Errorf("wire: identify missing role")
	}
	return IdentifyPayload{Role: fields[0]}, nil
}

// RoleFromWire maps the wire's role field (1 = tiles, else peer) to a
// session.Role.
func RoleFromWire(roleField int) session.Role {
	if roleField == 1 {
		return session.RoleTiles
	}
	return session.RolePeer
}

// PresencePayload is op 1's fields: id, x, y, color, name.
type PresencePayload struct {
	ID    string
	X     float64
	Y     float64
	Color string
	Name  string
}

// DecodePresenceUpdate parses an inbound presence update sent by a
// client (id is ignored server-side: the session's own id is
// authoritative). x/y are optional and represented via pointers in
// session.PresenceUpdate; absent/non-finite values are left unset.
func DecodePresenceUpdate(payload json.RawMessage) (session.PresenceUpdate, error) {
	var fields []interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return session.PresenceUpdate{}, err
	}
	var upd session.PresenceUpdate
	get := func(i int) (interface{}, bool) {
		if i >= len(fields) || fields[i] == nil {
			return nil, false
		}
		return fields[i], true
	}
	if v, ok := get(1); ok {
		if f, ok := v.(float64); ok {
			upd.X = &f
		}
	}
	if v, ok := get(2); ok {
		if f, ok := v.(float64); ok {
			upd.Y = &f
		}
	}
	if v, ok := get(3); ok {
		if s, ok := v.(string); ok {
			upd.CursorColor = &s
		}
	}
	if v, ok := get(4); ok {
		if s, ok := v.(string); ok {
			upd.DisplayName = &s
		}
	}
	return upd, nil
}

// strokeCompact is the positional array shape shared by op 2 (stroke)
// and each element of op 4's stroke list: [id, userId, color, size,
// opacity, erase(0/1), pointsFlat].
type strokeCompact struct {
	ID         string
	UserID     string
	Color      string
	Size       float64
	Opacity    float64
	Erase      int
	PointsFlat []float64
}

func decodeStrokeCompactFields(fields []interface{}) (strokeCompact, error) {
	if len(fields) < 7 {
		return strokeCompact{}, fmt.Errorf("wire: stroke frame missing fields")
	}
	var sc strokeCompact
	var ok bool
	if sc.ID, ok = fields[0].(string); !ok {
		return strokeCompact{}, fmt.Errorf("wire: stroke id not a string")
	}
	sc.UserID, _ = fields[1].(string)
	sc.Color, _ = fields[2].(string)
	if sc.Size, ok = fields[3].(float64); !ok {
		return strokeCompact{}, fmt.Errorf("wire: stroke size not a number")
	}
	if sc.Opacity, ok = fields[4].(float64); !ok {
		return strokeCompact{}, fmt.Errorf("wire: stroke opacity not a number")
	}
	eraseNum, _ := fields[5].(float64)
	sc.Erase = int(eraseNum)

	flatRaw, ok := fields[6].([]interface{})
	if !ok {
		return strokeCompact{}, fmt.Errorf("wire: stroke points not an array")
	}
	sc.PointsFlat = make([]float64, 0, len(flatRaw))
	for _, v := range flatRaw {
		f, ok := v.(float64)
		if !ok {
			return strokeCompact{}, fmt.Errorf("wire: stroke point not a number")
		}
		sc.PointsFlat = append(sc.PointsFlat, f)
	}
	return sc, nil
}

func strokeCompactToStroke(sc strokeCompact, z int) stroke.Stroke {
	points := make([]stroke.Point, 0, len(sc.PointsFlat)/2)
	for i := 0; i+1 < len(sc.PointsFlat); i += 2 {
		points = append(points, stroke.Point{X: sc.PointsFlat[i], Y: sc.PointsFlat[i+1]})
	}
	return stroke.Stroke{
		ID:      sc.ID,
		UserID:  sc.UserID,
		Color:   sc.Color,
		Size:    sc.Size,
		Opacity: sc.Opacity,
		Erase:   sc.Erase != 0,
		Points:  points,
		Z:       z,
	}
}

// DecodeStroke parses op 2's positional payload into a stroke.Stroke
// ready for canonicalization. Size/opacity are not clamped here: the
// websocket path feeds the result to ingest.Coordinator.AcceptCanonical,
// which applies stroke.Normalize (the same rules Canonicalize applies to
// the JSON path).
func DecodeStroke(payload json.RawMessage) (stroke.Stroke, error) {
	var fields []interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return stroke.Stroke{}, err
	}
	sc, err := decodeStrokeCompactFields(fields)
	if err != nil {
		return stroke.Stroke{}, err
	}
	return strokeCompactToStroke(sc, 0), nil
}

// EncodeStroke renders a canonical stroke as op 2's compact array.
func EncodeStroke(s stroke.Stroke) []byte {
	flat := make([]float64, 0, len(s.Points)*2)
	for _, p := range s.Points {
		flat = append(flat, p.X, p.Y)
	}
	erase := 0
	if s.Erase {
		erase = 1
	}
	arr := []interface{}{OpStroke, s.ID, s.UserID, s.Color, s.Size, s.Opacity, erase, flat}
	b, _ := json.Marshal(arr)
	return b
}

// TilesRequestPayload is op 3's fields: reqId, z, [[tx, ty], ...].
type TilesRequestPayload struct {
	ReqID string
	Z     int
	Tiles [][2]int
}

// DecodeTilesRequest parses op 3's positional payload.
func DecodeTilesRequest(payload json.RawMessage) (TilesRequestPayload, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return TilesRequestPayload{}, err
	}
	if len(fields) < 3 {
		return TilesRequestPayload{}, fmt.Errorf("wire: tilesRequest missing fields")
	}
	var out TilesRequestPayload
	if err := json.Unmarshal(fields[0], &out.ReqID); err != nil {
		return TilesRequestPayload{}, fmt.Errorf("wire: tilesRequest reqId: %w", err)
	}
	if err := json.Unmarshal(fields[1], &out.Z); err != nil {
		return TilesRequestPayload{}, fmt.Errorf("wire: tilesRequest z: %w", err)
	}
	var raw [][2]int
	if err := json.Unmarshal(fields[2], &raw); err != nil {
		return TilesRequestPayload{}, fmt.Errorf("wire: tilesRequest tiles: %w", err)
	}
	out.Tiles = raw
	return out, nil
}

// EncodeTileData renders op 4: [op, reqId, z, tx, ty, [stroke-compact, ...]].
func EncodeTileData(reqID string, z, tx, ty int, strokes []stroke.Stroke) []byte {
	compact := make([][]interface{}, len(strokes))
	for i, s := range strokes {
		flat := make([]float64, 0, len(s.Points)*2)
		for _, p := range s.Points {
			flat = append(flat, p.X, p.Y)
		}
		erase := 0
		if s.Erase {
			erase = 1
		}
		compact[i] = []interface{}{s.ID, s.UserID, s.Color, s.Size, s.Opacity, erase, flat}
	}
	arr := []interface{}{OpTileData, reqID, z, tx, ty, compact}
	b, _ := json.Marshal(arr)
	return b
}

// EncodeTileBatchDone renders op 6: [op, reqId].
func EncodeTileBatchDone(reqID string) []byte {
	arr := []interface{}{OpTileBatchDone, reqID}
	b, _ := json.Marshal(arr)
	return b
}

// EncodePresence renders op 1: [op, id, x, y, color, name].
func EncodePresence(id string, x, y float64, color, name string) []byte {
	arr := []interface{}{OpPresence, id, x, y, color, name}
	b, _ := json.Marshal(arr)
	return b
}

// EncodeWelcome renders op 5: [op, id, color, name, [[id, x, y], ...]].
// Per spec §9's open question, the compact welcome frame omits peer
// color/name for "others" — only [id, x, y] — and peers are expected
// to backfill from subsequent presence frames.
func EncodeWelcome(id, color, name string, others []session.Peer) []byte {
	othersArr := make([]interface{}, len(others))
	for i, p := range others {
		othersArr[i] = []interface{}{p.ID, p.X, p.Y}
	}
	arr := []interface{}{OpWelcome, id, color, name, othersArr}
	b, _ := json.Marshal(arr)
	return b
}

// EncodeLeave renders op 7: [op, id].
func EncodeLeave(id string) []byte {
	arr := []interface{}{OpLeave, id}
	b, _ := json.Marshal(arr)
	return b
}

// ObjectEncoder implements relay.Encoder using the object framing
// ({"type":...,"payload":...}) instead of compact arrays; kept for
// low-rate paths/clients that prefer the readable form, per spec §4.8
// ("the compact form is mandatory for high-rate paths ... and
// tolerated for low-rate paths" — both framings are produced from the
// same domain values, never independently maintained).
type ObjectEncoder struct{}

type objectFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

func (ObjectEncoder) EncodePresence(id string, x, y float64, color, name string) []byte {
	b, _ := json.Marshal(objectFrame{Type: opToType[OpPresence], Payload: map[string]interface{}{
		"id": id, "x": x, "y": y, "color": color, "name": name,
	}})
	return b
}

func (ObjectEncoder) EncodeStroke(s stroke.Stroke) []byte {
	b, _ := json.Marshal(objectFrame{Type: opToType[OpStroke], Payload: s})
	return b
}

func (ObjectEncoder) EncodeLeave(id string) []byte {
	b, _ := json.Marshal(objectFrame{Type: opToType[OpLeave], Payload: map[string]interface{}{"id": id}})
	return b
}

// CompactEncoder implements relay.Encoder using compact array framing.
// This is the default encoder wired into the relay: stroke frames are on
// the high-rate path where compact framing is mandatory, and presence
// and leave frames use the same framing.
type CompactEncoder struct{}

func (CompactEncoder) EncodePresence(id string, x, y float64, color, name string) []byte {
	return EncodePresence(id, x, y, color, name)
}

func (CompactEncoder) EncodeStroke(s stroke.Stroke) []byte {
	return EncodeStroke(s)
}

func (CompactEncoder) EncodeLeave(id string) []byte {
	return EncodeLeave(id)
}
