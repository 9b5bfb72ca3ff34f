package query

import (
	"testing"

	"github.com/canvasd/canvasd/internal/store"
	"github.com/canvasd/canvasd/internal/stroke"
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

func putStroke(t *testing.T, st *store.Store, z, tx, ty int, ts int64, s stroke.Stroke) {
	t.Helper()
	s.T = ts
	payload, err := stroke.Compress(s, 6)
	require.NoError(t, err)
	require.NoError(t, st.InsertMany([]store.Row{{Z: z, TX: tx, TY: ty, T: ts, ID: s.ID, Payload: payload}}))
}

func TestSingleTile_OrderedByTime(t *testing.T) {
	st := newTestStore(t)
	putStroke(t, st, 0, 0, 0, 100, stroke.Stroke{ID: "s1"})
	putStroke(t, st, 0, 0, 0, 50, stroke.Stroke{ID: "s0"})

	svc := New(st, nil)
	strokes, err := svc.SingleTile(0, 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, strokes, 2)
	assert.Equal(t, "s0", strokes[0].ID)
	assert.Equal(t, "s1", strokes[1].ID)
}

func TestSingleTile_Since(t *testing.T) {
	st := newTestStore(t)
	putStroke(t, st, 0, 0, 0, 10, stroke.Stroke{ID: "a"})
	putStroke(t, st, 0, 0, 0, 20, stroke.Stroke{ID: "b"})

	svc := New(st, nil)
	since := int64(10)
	strokes, err := svc.SingleTile(0, 0, 0, &since)
	require.NoError(t, err)
	require.Len(t, strokes, 1)
	assert.Equal(t, "b", strokes[0].ID)
}

func TestBatch_RequestOrderPreserved(t *testing.T) {
	st := newTestStore(t)
	putStroke(t, st, 0, 5, 5, 1, stroke.Stroke{ID: "a"})
	putStroke(t, st, 0, 1, 1, 1, stroke.Stroke{ID: "b"})

	svc := New(st, nil)
	results, err := svc.Batch(0, []TileCoord{{TX: 5, TY: 5}, {TX: 1, TY: 1}, {TX: 9, TY: 9}})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 5, results[0].TX)
	assert.Equal(t, 1, results[1].TX)
	assert.Empty(t, results[2].Strokes)
}

func TestBatch_OverCapErrors(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, nil, WithMaxBatchHTTP(2))
	_, err := svc.Batch(0, []TileCoord{{TX: 0, TY: 0}, {TX: 1, TY: 0}, {TX: 2, TY: 0}})
	require.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestStream_EmitsInOrderThenCompletes(t *testing.T) {
	st := newTestStore(t)
	putStroke(t, st, 0, 0, 0, 1, stroke.Stroke{ID: "a"})

	svc := New(st, nil)
	var got []string
	overflow, err := svc.Stream(0, []TileCoord{{TX: 0, TY: 0}, {TX: 1, TY: 1}}, func(tx, ty int, strokes []stroke.Stroke) error {
		got = append(got, func() string {
			if len(strokes) == 0 {
				return "empty"
			}
			return strokes[0].ID
		}())
		return nil
	})
	require.NoError(t, err)
	assert.False(t, overflow)
	assert.Equal(t, []string{"a", "empty"}, got)
}

func TestStream_OverflowSkipsEmit(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, nil, WithMaxBatchWS(1))
	called := false
	overflow, err := svc.Stream(0, []TileCoord{{TX: 0, TY: 0}, {TX: 1, TY: 1}}, func(tx, ty int, strokes []stroke.Stroke) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, overflow)
	assert.False(t, called)
}
