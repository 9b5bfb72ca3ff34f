// Package query implements the single-tile, batch, and streamed tile
// history delivery surfaces (spec §4.7), all reading through the same
// store scans so every surface returns identical logical content.
package query

import (
	"fmt"
	"log"

	"github.com/canvasd/canvasd/internal/store"
	"github.com/canvasd/canvasd/internal/stroke"
)

const (
	// MaxBatchHTTP is the default cap on tiles per HTTP batch request.
	MaxBatchHTTP = 500
	// MaxBatchWS is the default cap on tiles per streamed tilesRequest.
	MaxBatchWS = 1000
)

// TileStore is the subset of *store.Store the query service depends on.
type TileStore interface {
	Scan(z, tx, ty int) ([]store.Row, error)
	ScanSince(z, tx, ty int, since int64) ([]store.Row, error)
}

// Service serves tile history.
type Service struct {
	store         TileStore
	maxBatchHTTP  int
	maxBatchWS    int
	logger        *log.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMaxBatchHTTP overrides MAX_BATCH_HTTP.
func WithMaxBatchHTTP(n int) Option { return func(s *Service) { s.maxBatchHTTP = n } }

// WithMaxBatchWS overrides MAX_BATCH_WS.
func WithMaxBatchWS(n int) Option { return func(s *Service) { s.maxBatchWS = n } }

// New builds a query Service over the given store.
func New(st TileStore, logger *log.Logger, opts ...Option) *Service {
	s := &Service{store: st, maxBatchHTTP: MaxBatchHTTP, maxBatchWS: MaxBatchWS, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// decodeRows turns store rows into canonical strokes, skipping any row
// whose payload fails to decompress (spec §4.2: "failures yield a
// skipped row, not a read error").
func (s *Service) decodeRows(rows []store.Row) []stroke.Stroke {
	out := make([]stroke.Stroke, 0, len(rows))
	for _, r := range rows {
		st, err := stroke.Decompress(r.Payload)
		if err != nil {
			if s.logger != nil {
				s.logger.Printf("query: skipping unreadable row %s: %v", r.ID, err)
			}
			continue
		}
		out = append(out, st)
	}
	return out
}

// SingleTile serves GET /api/tile-strokes. since, if non-nil, filters
// to strokes with t > *since.
func (s *Service) SingleTile(z, tx, ty int, since *int64) ([]stroke.Stroke, error) {
	var rows []store.Row
	var err error
	if since != nil {
		rows, err = s.store.ScanSince(z, tx, ty, *since)
	} else {
		rows, err = s.store.Scan(z, tx, ty)
	}
	if err != nil {
		return nil, fmt.Errorf("query: single tile: %w", err)
	}
	return s.decodeRows(rows), nil
}

// TileCoord is one requested tile coordinate.
type TileCoord struct {
	TX int
	TY int
}

// TileResult is one tile's strokes, echoing its coordinate.
type TileResult struct {
	Z       int
	TX      int
	TY      int
	Strokes []stroke.Stroke
}

// ErrBatchTooLarge is returned when a batch request exceeds its cap.
var ErrBatchTooLarge = fmt.Errorf("query: batch exceeds cap")

// Batch serves POST /api/tile-strokes-batch. Invalid (non-finite,
// out-of-range) entries are the caller's responsibility to filter
// before calling Batch; Batch itself only enforces the length cap.
func (s *Service) Batch(z int, tiles []TileCoord) ([]TileResult, error) {
	if len(tiles) > s.maxBatchHTTP {
		return nil, ErrBatchTooLarge
	}
	results := make([]TileResult, 0, len(tiles))
	for _, t := range tiles {
		strokes, err := s.SingleTile(z, t.TX, t.TY, nil)
		if err != nil {
			return nil, err
		}
		results = append(results, TileResult{Z: z, TX: t.TX, TY: t.TY, Strokes: strokes})
	}
	return results, nil
}

// StreamEmit is called once per requested tile, in request order, with
// that tile's strokes (possibly empty). Returning an error aborts the
// stream (e.g. the underlying connection died).
type StreamEmit func(tx, ty int, strokes []stroke.Stroke) error

// Stream serves a tilesRequest over the duplex channel (spec §4.7's
// "Streamed over duplex channel" surface). If tiles exceeds
// MAX_BATCH_WS, emit is never called (overflow): the caller is
// expected to still send a single tileBatchDone frame.
func (s *Service) Stream(z int, tiles []TileCoord, emit StreamEmit) (overflow bool, err error) {
	if len(tiles) > s.maxBatchWS {
		return true, nil
	}
	for _, t := range tiles {
		strokes, serr := s.SingleTile(z, t.TX, t.TY, nil)
		if serr != nil {
			return false, serr
		}
		if err := emit(t.TX, t.TY, strokes); err != nil {
			return false, err
		}
	}
	return false, nil
}
