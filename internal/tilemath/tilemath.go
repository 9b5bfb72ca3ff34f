// Package tilemath computes the set of tiles a stroke's inked footprint
// touches.
package tilemath

import "math"

// TileSize is the side length, in world pixels, of one tile at zoom 0.
const TileSize = 1024

// Coord identifies a tile at a given zoom level.
type Coord struct {
	Z  int
	TX int
	TY int
}

// Point is a world-pixel coordinate; pressure plays no part in tiling.
type Point struct {
	X float64
	Y float64
}

// clampSize matches the stroke codec's brush-width clamp so tile math and
// stroke canonicalization never disagree about padding.
func clampSize(size float64) float64 {
	switch {
	case math.IsNaN(size) || size < 1:
		return 1
	case size > 128:
		return 128
	default:
		return size
	}
}

// Footprint returns the inclusive set of tile coordinates the stroke's
// inflated bounding box intersects. Points with a non-finite X or Y are
// ignored when computing the bounding box. An empty or all-non-finite
// points slice yields a nil footprint.
func Footprint(z int, points []Point, size float64) []Coord {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	any := false

	for _, p := range points {
		if !finite(p.X) || !finite(p.Y) {
			continue
		}
		any = true
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	if !any {
		return nil
	}

	pad := clampSize(size) * 2
	minX -= pad
	minY -= pad
	maxX += pad
	maxY += pad

	txMin := int(math.Floor(minX / TileSize))
	txMax := int(math.Floor((maxX - 1) / TileSize))
	tyMin := int(math.Floor(minY / TileSize))
	tyMax := int(math.Floor((maxY - 1) / TileSize))

	coords := make([]Coord, 0, (txMax-txMin+1)*(tyMax-tyMin+1))
	for tx := txMin; tx <= txMax; tx++ {
		for ty := tyMin; ty <= tyMax; ty++ {
			coords = append(coords, Coord{Z: z, TX: tx, TY: ty})
		}
	}
	return coords
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
