// Package ingest implements the single-writer transactional fan-out
// from an accepted stroke to every tile it touches, and triggers the
// store's size-based eviction policy before each write (spec §4.4).
package ingest

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/canvasd/canvasd/internal/relay"
	"github.com/canvasd/canvasd/internal/store"
	"github.com/canvasd/canvasd/internal/stroke"
	"github.com/canvasd/canvasd/internal/tilemath"
)

// TileStore is the subset of *store.Store the coordinator depends on.
type TileStore interface {
	InsertMany(rows []store.Row) error
	Stats() (store.Stats, error)
	EvictOldest(n int64) (int64, error)
	Compact() error
}

const (
	// MaxStoreBytes is the default size ceiling before eviction kicks in.
	MaxStoreBytes = 1 << 30 // 1 GiB
)

// Coordinator is the single-writer ingest pipeline: canonicalize, compute
// the tile footprint, evict if over budget, compress,
// transactionally insert, then hand off to the relay.
type Coordinator struct {
	store      TileStore
	relay      *relay.Relay
	gzipLevel  int
	maxBytes   int64
	writeMu    sync.Mutex
	logger     *log.Logger
	nowOverride func() int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxBytes overrides the default size ceiling (MAX_STORE_BYTES).
func WithMaxBytes(n int64) Option {
	return func(c *Coordinator) { c.maxBytes = n }
}

// WithGzipLevel overrides the default gzip compression level.
func WithGzipLevel(level int) Option {
	return func(c *Coordinator) { c.gzipLevel = level }
}

// WithClock overrides the coordinator's time source; used by tests to
// assert ordering without depending on wall-clock resolution.
func WithClock(now func() int64) Option {
	return func(c *Coordinator) { c.nowOverride = now }
}

// New builds a Coordinator over the given store and relay.
func New(s TileStore, r *relay.Relay, logger *log.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     s,
		relay:     r,
		gzipLevel: 9,
		maxBytes:  MaxStoreBytes,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) now() int64 {
	if c.nowOverride != nil {
		return c.nowOverride()
	}
	return time.Now().UnixMilli()
}

// Result is what the caller learns after a stroke is accepted: the
// canonical stroke (with its server-assigned id/t) and the tiles it was
// written to. Tiles is empty when the stroke was not accepted (no
// finite points, or the transactional insert failed) — spec §4.4.
type Result struct {
	Stroke stroke.Stroke
	Tiles  []tilemath.Coord
}

// Accept canonicalizes raw stroke JSON, fans it out across its tile
// footprint, persists it, and — if originSessionID is non-empty —
// relays it to every other connected peer session.
func (c *Coordinator) Accept(raw []byte, originSessionID string) (Result, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	s, err := stroke.Canonicalize(raw, c.now())
	if err != nil {
		return Result{}, err
	}
	return c.acceptCanonical(s, originSessionID)
}

// AcceptCanonical is like Accept but takes a stroke decoded from the
// compact-array wire path rather than raw JSON. It still runs the
// stroke through stroke.Normalize so the websocket path enforces the
// same size/opacity clamps and id-minting as the HTTP JSON path.
func (c *Coordinator) AcceptCanonical(s stroke.Stroke, originSessionID string) (Result, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	s = stroke.Normalize(s)
	s.T = c.now()
	return c.acceptCanonical(s, originSessionID)
}

func (c *Coordinator) acceptCanonical(s stroke.Stroke, originSessionID string) (Result, error) {
	points := make([]tilemath.Point, len(s.Points))
	for i, p := range s.Points {
		points[i] = tilemath.Point{X: p.X, Y: p.Y}
	}
	coords := tilemath.Footprint(s.Z, points, s.Size)
	if len(coords) == 0 {
		return Result{Stroke: s}, nil
	}

	if err := c.enforceSizePolicy(); err != nil {
		c.logf("ingest: size policy check failed: %v", err)
	}

	payload, err := stroke.Compress(s, c.gzipLevel)
	if err != nil {
		c.logf("ingest: compress failed: %v", err)
		return Result{Stroke: s}, err
	}

	rows := make([]store.Row, len(coords))
	for i, coord := range coords {
		rows[i] = store.Row{Z: coord.Z, TX: coord.TX, TY: coord.TY, T: s.T, ID: s.ID, Payload: payload}
	}

	if err := c.store.InsertMany(rows); err != nil {
		c.logf("ingest: insert failed for stroke %s: %v", s.ID, err)
		return Result{Stroke: s}, err
	}

	if originSessionID != "" && c.relay != nil {
		c.relay.BroadcastStroke(originSessionID, s)
	}

	return Result{Stroke: s, Tiles: coords}, nil
}

// enforceSizePolicy implements spec §4.3's eviction trigger: if the
// store is at or over budget, evict the oldest ~10% of rows and compact.
func (c *Coordinator) enforceSizePolicy() error {
	st, err := c.store.Stats()
	if err != nil {
		return err
	}
	if st.TotalBytes < c.maxBytes {
		return nil
	}

	n := int64(math.Ceil(0.1 * float64(st.RowCount)))
	if n <= 0 {
		n = 1
	}
	if _, err := c.store.EvictOldest(n); err != nil {
		return err
	}
	return c.store.Compact()
}

func (c *Coordinator) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
