// Package stroke canonicalizes, validates, and compresses stroke records
// before they reach the tile store.
package stroke

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

// Point is one sample in a stroke's ordered point sequence.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	P float64 `json:"p"`
}

// Stroke is the canonical, immutable-once-accepted stroke record.
type Stroke struct {
	ID      string  `json:"id"`
	UserID  string  `json:"user_id"`
	Color   string  `json:"color"`
	Size    float64 `json:"size"`
	Opacity float64 `json:"opacity"`
	Erase   bool    `json:"erase"`
	Points  []Point `json:"points"`
	Z       int     `json:"z"`
	T       int64   `json:"t"`
}

// rawStroke mirrors the wire shape of an inbound stroke before
// canonicalization. Size, opacity, and point coordinates are pointers so
// a missing or null value can be told apart from an explicit 0; a value
// of the wrong JSON type fails decoding.
type rawStroke struct {
	ID      string     `json:"id"`
	UserID  string     `json:"user_id"`
	Color   string     `json:"color"`
	Size    *float64   `json:"size"`
	Opacity *float64   `json:"opacity"`
	Erase   bool       `json:"erase"`
	Points  []rawPoint `json:"points"`
	Z       int        `json:"z"`
}

// rawPoint is one inbound point; a null or missing x/y drops the point.
type rawPoint struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	P float64  `json:"p"`
}

const (
	defaultSize    = 12
	defaultOpacity = 1
	minSize        = 1
	maxSize        = 128
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Canonicalize clamps and coerces a raw, client-supplied stroke payload
// into its canonical form. now is injected so ingest can assign a single
// monotonic timestamp under the writer lock.
func Canonicalize(raw []byte, now int64) (Stroke, error) {
	var r rawStroke
	if err := json.Unmarshal(raw, &r); err != nil {
		return Stroke{}, fmt.Errorf("stroke: decode: %w", err)
	}

	size, opacity := float64(defaultSize), float64(defaultOpacity)
	if r.Size != nil {
		size = *r.Size
	}
	if r.Opacity != nil {
		opacity = *r.Opacity
	}
	points := make([]Point, 0, len(r.Points))
	for _, p := range r.Points {
		if p.X != nil && p.Y != nil {
			points = append(points, Point{X: *p.X, Y: *p.Y, P: p.P})
		}
	}

	s := Normalize(Stroke{
		ID:      r.ID,
		UserID:  r.UserID,
		Color:   r.Color,
		Size:    size,
		Opacity: opacity,
		Erase:   r.Erase,
		Points:  points,
		Z:       r.Z,
	})
	s.T = now
	return s, nil
}

// Normalize applies the same clamp/default/id-minting rules Canonicalize
// applies to a freshly-decoded JSON stroke, but to an already-built
// Stroke value. It is exported so other decode paths (e.g. the
// websocket compact-array framing in internal/wire) produce strokes
// with the same data-model invariants (size in [1,128], opacity in
// [0,1], a minted id when absent) without going through JSON twice.
func Normalize(s Stroke) Stroke {
	size := s.Size
	if !finite(size) {
		size = defaultSize
	}
	size = clamp(size, minSize, maxSize)

	opacity := s.Opacity
	if !finite(opacity) {
		opacity = defaultOpacity
	}
	opacity = clamp(opacity, 0, 1)

	points := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		if !finite(p.X) || !finite(p.Y) {
			continue
		}
		pressure := p.P
		if !finite(pressure) {
			pressure = 0
		}
		points = append(points, Point{X: p.X, Y: p.Y, P: pressure})
	}

	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}

	s.ID = id
	s.Size = size
	s.Opacity = opacity
	s.Points = points
	return s
}

// Compress serializes the stroke to compact JSON and gzip-compresses it
// at the given level. level follows compress/gzip conventions; the
// caller (DB_GZIP_LEVEL) is expected to pass 1-9, default 9.
func Compress(s Stroke, level int) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("stroke: marshal: %w", err)
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		// An invalid level is a configuration error, not a per-stroke
		// error; fall back to the default rather than reject the stroke.
		w = gzip.NewWriter(&buf)
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("stroke: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("stroke: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. A malformed payload is reported as an
// error so the caller can skip the row rather than fail the whole scan.
func Decompress(payload []byte) (Stroke, error) {
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return Stroke{}, fmt.Errorf("stroke: gzip reader: %w", err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return Stroke{}, fmt.Errorf("stroke: gzip read: %w", err)
	}

	var s Stroke
	if err := json.Unmarshal(body, &s); err != nil {
		return Stroke{}, fmt.Errorf("stroke: unmarshal: %w", err)
	}
	return s, nil
}
