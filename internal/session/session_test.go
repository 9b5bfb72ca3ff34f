package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifyPeer_AssignsDefaultsAndRegisters(t *testing.T) {
	r := NewRegistry()
	s, others := r.IdentifyPeer()

	assert.Equal(t, RolePeer, s.Role)
	assert.NotEmpty(t, s.ID)
	assert.Contains(t, s.DisplayName, "guest-")
	assert.Contains(t, cursorHues, s.CursorColor)
	assert.Empty(t, others)

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
}

func TestIdentifyPeer_SnapshotsExistingPeers(t *testing.T) {
	r := NewRegistry()
	first, _ := r.IdentifyPeer()

	_, others := r.IdentifyPeer()
	require.Len(t, others, 1)
	assert.Equal(t, first.ID, others[0].ID)
}

func TestIdentifyTiles_NotRegistered(t *testing.T) {
	r := NewRegistry()
	s := r.IdentifyTiles()

	assert.Equal(t, RoleTiles, s.Role)
	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	assert.Empty(t, r.Peers(""))
}

func TestUpdate_AppliesPartialFields(t *testing.T) {
	r := NewRegistry()
	s, _ := r.IdentifyPeer()

	x := 12.5
	name := "artist"
	updated, ok := r.Update(s.ID, PresenceUpdate{X: &x, DisplayName: &name})
	require.True(t, ok)
	assert.Equal(t, 12.5, updated.X)
	assert.Equal(t, "artist", updated.DisplayName)
	assert.Equal(t, s.CursorColor, updated.CursorColor)
}

func TestUpdate_TruncatesLongDisplayName(t *testing.T) {
	r := NewRegistry()
	s, _ := r.IdentifyPeer()

	name := "this display name is way too long to keep whole"
	updated, ok := r.Update(s.ID, PresenceUpdate{DisplayName: &name})
	require.True(t, ok)
	assert.Len(t, updated.DisplayName, maxDisplayNameLen)
}

func TestUpdate_IgnoresNonFiniteCoordinates(t *testing.T) {
	r := NewRegistry()
	s, _ := r.IdentifyPeer()

	nan := float64(1)
	nan = nan / 0 * 0 // produces NaN without importing math
	updated, ok := r.Update(s.ID, PresenceUpdate{X: &nan})
	require.True(t, ok)
	assert.Equal(t, 0.0, updated.X)
}

func TestUpdate_UnknownSessionReturnsFalse(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Update("nonexistent", PresenceUpdate{})
	assert.False(t, ok)
}

func TestRemove_ReportsWhetherPeer(t *testing.T) {
	r := NewRegistry()
	peer, _ := r.IdentifyPeer()
	tiles := r.IdentifyTiles()

	assert.True(t, r.Remove(peer.ID))
	assert.False(t, r.Remove(tiles.ID))
	assert.False(t, r.Remove(peer.ID))
}

func TestPeers_ExcludesGivenID(t *testing.T) {
	r := NewRegistry()
	a, _ := r.IdentifyPeer()
	b, _ := r.IdentifyPeer()

	ids := r.Peers(a.ID)
	assert.Contains(t, ids, b.ID)
	assert.NotContains(t, ids, a.ID)
}
