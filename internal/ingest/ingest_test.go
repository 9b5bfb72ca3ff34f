package ingest

import (
	"testing"

	"github.com/canvasd/canvasd/internal/relay"
	"github.com/canvasd/canvasd/internal/session"
	"github.com/canvasd/canvasd/internal/store"
	"github.com/canvasd/canvasd/internal/stroke"
	"github.com/canvasd/canvasd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rawStroke(id string) []byte {
	return []byte(`{"id":"` + id + `","color":"#000000","size":4,"points":[{"x":0,"y":0},{"x":10,"y":10}]}`)
}

func TestAccept_WritesTilesAndReturnsCanonicalStroke(t *testing.T) {
	st := newTestStore(t)
	c := New(st, nil, nil, WithClock(func() int64 { return 42 }))

	res, err := c.Accept(rawStroke("s1"), "")
	require.NoError(t, err)
	assert.Equal(t, "s1", res.Stroke.ID)
	assert.Equal(t, int64(42), res.Stroke.T)
	assert.NotEmpty(t, res.Tiles)

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(len(res.Tiles)), stats.RowCount)
}

func TestAccept_EmptyPointsWritesNothing(t *testing.T) {
	st := newTestStore(t)
	c := New(st, nil, nil)

	res, err := c.Accept([]byte(`{"id":"s1","color":"#000","size":1,"points":[]}`), "")
	require.NoError(t, err)
	assert.Empty(t, res.Tiles)

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.RowCount)
}

func TestAcceptCanonical_RelaysToOtherPeers(t *testing.T) {
	st := newTestStore(t)
	reg := session.NewRegistry()
	origin, _ := reg.IdentifyPeer()
	other, _ := reg.IdentifyPeer()

	sender := &fakeSender{}
	r := relay.New(reg, sender, wire.CompactEncoder{}, nil)
	c := New(st, r, nil, WithClock(func() int64 { return 7 }))

	s := stroke.Stroke{ID: "s1", Color: "#000", Size: 2, Opacity: 1, Points: []stroke.Point{{X: 0, Y: 0}, {X: 5, Y: 5}}}
	_, err := c.AcceptCanonical(s, origin.ID)
	require.NoError(t, err)

	assert.Contains(t, sender.sent, other.ID)
	assert.NotContains(t, sender.sent, origin.ID)
}

func TestAcceptCanonical_ClampsSizeAndOpacityAndMintsID(t *testing.T) {
	st := newTestStore(t)
	c := New(st, nil, nil, WithClock(func() int64 { return 1 }))

	s := stroke.Stroke{
		Color:   "#000",
		Size:    9999,
		Opacity: -5,
		Points:  []stroke.Point{{X: 0, Y: 0}, {X: 5, Y: 5}},
	}
	res, err := c.AcceptCanonical(s, "")
	require.NoError(t, err)

	assert.Equal(t, 128.0, res.Stroke.Size)
	assert.Equal(t, 0.0, res.Stroke.Opacity)
	assert.NotEmpty(t, res.Stroke.ID)
}

func TestAccept_NoRelayWithoutOriginSession(t *testing.T) {
	st := newTestStore(t)
	reg := session.NewRegistry()
	reg.IdentifyPeer()

	sender := &fakeSender{}
	r := relay.New(reg, sender, wire.CompactEncoder{}, nil)
	c := New(st, r, nil)

	_, err := c.Accept(rawStroke("s1"), "")
	require.NoError(t, err)
	assert.Empty(t, sender.sent)
}

func TestEnforceSizePolicy_EvictsOldestOnceOverBudget(t *testing.T) {
	st := newTestStore(t)
	c := New(st, nil, nil, WithMaxBytes(1), WithClock(func() int64 { return 1 }))

	_, err := c.Accept(rawStroke("s1"), "")
	require.NoError(t, err)

	statsBeforeSecond, err := st.Stats()
	require.NoError(t, err)
	require.Greater(t, statsBeforeSecond.RowCount, int64(0))

	// The store is already at/over the 1-byte budget, so accepting a
	// second stroke must first evict ceil(10%) of the existing rows
	// (one of s1's four rows) before inserting s2's rows.
	res2, err := c.Accept(rawStroke("s2"), "")
	require.NoError(t, err)
	require.NotEmpty(t, res2.Tiles)

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, statsBeforeSecond.RowCount-1+int64(len(res2.Tiles)), stats.RowCount)
}

type fakeSender struct {
	sent []string
}

func (f *fakeSender) Send(sessionID string, frame []byte) error {
	f.sent = append(f.sent, sessionID)
	return nil
}
