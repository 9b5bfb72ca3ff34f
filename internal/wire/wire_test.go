package wire

import (
	"encoding/json"
	"testing"

	"github.com/canvasd/canvasd/internal/session"
	"github.com/canvasd/canvasd/internal/stroke"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_CompactArrayIdentify(t *testing.T) {
	f, err := Decode([]byte(`[0, 1]`))
	require.NoError(t, err)
	assert.Equal(t, OpIdentify, f.Op)

	id, err := DecodeIdentify(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, id.Role)
	assert.Equal(t, session.RoleTiles, RoleFromWire(id.Role))
}

func TestDecode_ObjectFraming(t *testing.T) {
	f, err := Decode([]byte(`{"type":"leave","payload":{"id":"abc"}}`))
	require.NoError(t, err)
	assert.Equal(t, OpLeave, f.Op)
}

func TestDecode_UnknownOpcodeDropped(t *testing.T) {
	_, err := Decode([]byte(`[99]`))
	require.Error(t, err)
}

func TestDecode_UnknownTypeDropped(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
}

func TestDecode_MalformedFrame(t *testing.T) {
	_, err := Decode([]byte(`not json at all`))
	require.Error(t, err)

	_, err = Decode([]byte(`"just a string"`))
	require.Error(t, err)

	_, err = Decode([]byte(``))
	require.Error(t, err)
}

func TestStroke_CompactRoundTrip(t *testing.T) {
	// [2, "sid", "uid", "#000", 4, 1, 0, [0,0, 10,0, 10,10]]
	raw := []byte(`[2, "sid", "uid", "#000", 4, 1, 0, [0,0, 10,0, 10,10]]`)
	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, OpStroke, f.Op)

	s, err := DecodeStroke(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "sid", s.ID)
	assert.Equal(t, "uid", s.UserID)
	assert.Equal(t, "#000", s.Color)
	assert.Equal(t, float64(4), s.Size)
	assert.Equal(t, float64(1), s.Opacity)
	assert.False(t, s.Erase)
	require.Len(t, s.Points, 3)
	assert.Equal(t, stroke.Point{X: 0, Y: 0}, s.Points[0])
	assert.Equal(t, stroke.Point{X: 10, Y: 0}, s.Points[1])
	assert.Equal(t, stroke.Point{X: 10, Y: 10}, s.Points[2])

	encoded := EncodeStroke(s)
	f2, err := Decode(encoded)
	require.NoError(t, err)
	s2, err := DecodeStroke(f2.Payload)
	require.NoError(t, err)
	assert.Equal(t, s.ID, s2.ID)
	assert.Equal(t, s.Points, s2.Points)
}

func TestDecodeTilesRequest(t *testing.T) {
	raw := []byte(`[3, "req-1", 0, [[0,0],[1,0]]]`)
	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, OpTilesRequest, f.Op)

	tr, err := DecodeTilesRequest(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "req-1", tr.ReqID)
	assert.Equal(t, 0, tr.Z)
	assert.Equal(t, [][2]int{{0, 0}, {1, 0}}, tr.Tiles)
}

func TestEncodeTileBatchDone(t *testing.T) {
	b := EncodeTileBatchDone("r1")
	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(b, &arr))
	require.Len(t, arr, 2)
}

func TestEncodeWelcome_OmitsColorNameForOthers(t *testing.T) {
	b := EncodeWelcome("me", "#fff", "Alice", []session.Peer{{ID: "p1", X: 1, Y: 2}})
	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(b, &arr))
	assert.Len(t, arr, 5)

	var others [][]json.RawMessage
	require.NoError(t, json.Unmarshal(arr[4], &others))
	require.Len(t, others, 1)
	assert.Len(t, others[0], 3, "each other peer is [id, x, y] only")
}
