// Package store implements the durable, size-bounded, compressed
// per-tile event log backing the tile store (spec §4.3).
//
// It is built on database/sql and github.com/mattn/go-sqlite3, following
// the same pattern as the teacher's tilepack.MbtilesReader/Outputter:
// a single *sql.DB, schema created with CREATE TABLE IF NOT EXISTS,
// batched transactions for writes, and QueryRow/Query + Scan for reads.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 database/sql driver
)

// Row is one persisted tile row: one stroke replicated into one tile.
type Row struct {
	Z       int
	TX      int
	TY      int
	T       int64
	ID      string
	Payload []byte
}

// Stats is the snapshot returned by Store.Stats.
type Stats struct {
	TotalBytes int64
	RowCount   int64
}

// Store is a durable multi-map keyed by (z, tx, ty), ordered within a
// tile by t then insertion order. All mutating operations (InsertMany,
// EvictOldest) are serialized through writeMu, matching spec §4.3's
// single-writer discipline; reads are concurrent with each other and
// with writers.
type Store struct {
	db *sql.DB

	writeMu sync.Mutex

	insertStmt *sql.Stmt
	scanStmt   *sql.Stmt
	sinceStmt  *sql.Stmt

	logger *log.Logger
}

// Open creates (if needed) and opens the sqlite-backed store at path.
// An empty path opens an in-memory database in shared-cache mode, useful
// for tests: Stores opened with an empty path at the same time see the
// same data, and the data is gone once the last of them is closed.
func Open(path string, logger *log.Logger) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	} else {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if path == "" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tile_rows (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			z         INTEGER NOT NULL,
			tx        INTEGER NOT NULL,
			ty        INTEGER NOT NULL,
			t         INTEGER NOT NULL,
			stroke_id TEXT NOT NULL,
			payload   BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tile_rows_tile ON tile_rows (z, tx, ty, t, seq);
		CREATE INDEX IF NOT EXISTS idx_tile_rows_age  ON tile_rows (t, seq);
	`)
	if err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// prepareStatements caches the hot-path prepared statements, matching
// spec §4.3's "prepared statements are cached".
func (s *Store) prepareStatements() error {
	var err error
	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO tile_rows (z, tx, ty, t, stroke_id, payload) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	s.scanStmt, err = s.db.Prepare(`
		SELECT t, stroke_id, payload FROM tile_rows
		WHERE z = ? AND tx = ? AND ty = ?
		ORDER BY t ASC, seq ASC
	`)
	if err != nil {
		return fmt.Errorf("store: prepare scan: %w", err)
	}
	s.sinceStmt, err = s.db.Prepare(`
		SELECT t, stroke_id, payload FROM tile_rows
		WHERE z = ? AND tx = ? AND ty = ? AND t > ?
		ORDER BY t ASC, seq ASC
	`)
	if err != nil {
		return fmt.Errorf("store: prepare scan_since: %w", err)
	}
	return nil
}

// Close releases the prepared statements and the underlying connection.
func (s *Store) Close() error {
	if s.insertStmt != nil {
		s.insertStmt.Close()
	}
	if s.scanStmt != nil {
		s.scanStmt.Close()
	}
	if s.sinceStmt != nil {
		s.sinceStmt.Close()
	}
	return s.db.Close()
}

// InsertMany appends rows transactionally: all rows are committed, or
// none are (spec I4). rows must all share the same stroke id and t;
// that invariant is enforced by the ingest coordinator, not here.
func (s *Store) InsertMany(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}

	stmt := tx.Stmt(s.insertStmt)
	for _, r := range rows {
		if _, err := stmt.Exec(r.Z, r.TX, r.TY, r.T, r.ID, r.Payload); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Scan returns every row for the given tile, ordered by t ascending
// (ties broken by insertion order), with each payload decompressed by
// the caller via internal/stroke.Decompress.
func (s *Store) Scan(z, tx, ty int) ([]Row, error) {
	return s.scanRows(s.scanStmt, z, tx, ty)
}

// ScanSince returns rows for the given tile with t > since, in the same
// order as Scan.
func (s *Store) ScanSince(z, tx, ty int, since int64) ([]Row, error) {
	return s.scanRows(s.sinceStmt, z, tx, ty, since)
}

func (s *Store) scanRows(stmt *sql.Stmt, args ...interface{}) ([]Row, error) {
	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.T, &r.ID, &r.Payload); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats returns the current on-disk size estimate and row count.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload) + 48), 0) FROM tile_rows`)
	if err := row.Scan(&st.RowCount, &st.TotalBytes); err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}

// EvictOldest deletes the n rows of globally smallest t (ties broken by
// insertion order), preserving per-tile temporal ordering for whatever
// remains (spec P7).
func (s *Store) EvictOldest(n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM tile_rows WHERE seq IN (
			SELECT seq FROM tile_rows ORDER BY t ASC, seq ASC LIMIT ?
		)
	`, n)
	if err != nil {
		return 0, fmt.Errorf("store: evict: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: evict rows affected: %w", err)
	}
	if s.logger != nil {
		s.logger.Printf("store: evicted %d rows", deleted)
	}
	return deleted, nil
}

// Compact reclaims space after eviction. VACUUM requires no other
// connection hold locks, which is guaranteed here by MaxOpenConns(1)
// plus the writer mutex.
func (s *Store) Compact() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("store: compact: %w", err)
	}
	return nil
}
