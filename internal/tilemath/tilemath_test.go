package tilemath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFootprint_StraightStrokeNearOrigin(t *testing.T) {
	// pad = 6*2 = 12 pushes minX/minY to -2, so the footprint reaches
	// into tile -1 on both axes: tiles {-1,0} x {-1,0}.
	coords := Footprint(0, []Point{{X: 10, Y: 10}, {X: 100, Y: 10}}, 6)
	require.Len(t, coords, 4)
	for _, c := range coords {
		assert.Contains(t, []int{-1, 0}, c.TX)
		assert.Contains(t, []int{-1, 0}, c.TY)
	}
}

func TestFootprint_CrossTile(t *testing.T) {
	coords := Footprint(0, []Point{{X: 1020, Y: 50}, {X: 1030, Y: 50}}, 6)
	has := func(tx, ty int) bool {
		for _, c := range coords {
			if c.TX == tx && c.TY == ty {
				return true
			}
		}
		return false
	}
	assert.True(t, has(0, 0), "expected footprint to include tile (0,0)")
	assert.True(t, has(1, 0), "expected footprint to include tile (1,0)")
}

func TestFootprint_EmptyPoints(t *testing.T) {
	assert.Nil(t, Footprint(0, nil, 6))
	assert.Nil(t, Footprint(0, []Point{{X: math.NaN(), Y: 1}, {X: math.Inf(1), Y: 2}}, 6))
}

func TestFootprint_SinglePointSquare(t *testing.T) {
	// pad = 24 inflates (5,5) to [-19, 29] on both axes; coords start at
	// the minimum corner.
	coords := Footprint(0, []Point{{X: 5, Y: 5}}, 12)
	require.NotEmpty(t, coords)
	assert.Equal(t, Coord{Z: 0, TX: -1, TY: -1}, coords[0])
}

func TestFootprint_SizeClamp(t *testing.T) {
	withHuge := Footprint(0, []Point{{X: 0, Y: 0}}, 100000)
	withMax := Footprint(0, []Point{{X: 0, Y: 0}}, 128)
	assert.ElementsMatch(t, withMax, withHuge)
}

func TestFootprint_DropsNonFinitePointsButKeepsRest(t *testing.T) {
	coords := Footprint(0, []Point{{X: math.NaN(), Y: 0}, {X: 10, Y: 10}}, 6)
	assert.NotEmpty(t, coords)
}
