// Package index implements the retrieval index (C4): a derived, fully
// rebuildable keyword-and-ranking store over non-redacted chain entries,
// with a decay-tier garbage collector.
//
// Grounded on internal/queue/sqlite_queue.go: database/sql over
// modernc.org/sqlite, a single-connection pool (SQLite allows one writer),
// WAL journal mode, synchronous=NORMAL, and schema-as-const-DDL applied
// idempotently on Open. Generalized from an at-least-once delivery queue
// to a searchable, scored, FTS5-backed index.
package index

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/witness/internal/chainerr"
)

// Decay tiers, per spec.md §3/§4.4.
const (
	DecayHot      = "hot"
	DecayWarm     = "warm"
	DecayCold     = "cold"
	DecayArchived = "archived"
)

// Sources, per spec.md §3.
const (
	SourceAuto      = "auto"
	SourceManual    = "manual"
	SourceCuration  = "curation"
)

// Index is a handle on the SQLite-backed retrieval index. Safe for
// concurrent use by a single process; no cross-process concurrency is
// specified (spec.md §5).
type Index struct {
	db *sql.DB
}

const ddl = `
CREATE TABLE IF NOT EXISTS entries (
    seq           INTEGER PRIMARY KEY,
    content       TEXT    NOT NULL,
    summary       TEXT,
    type          TEXT    NOT NULL,
    tier          TEXT    NOT NULL,
    importance    REAL    NOT NULL DEFAULT 0,
    access_count  INTEGER NOT NULL DEFAULT 0,
    last_accessed TEXT,
    created_at    TEXT    NOT NULL,
    decay_tier    TEXT    NOT NULL DEFAULT 'hot',
    source        TEXT    NOT NULL DEFAULT 'auto'
);
CREATE INDEX IF NOT EXISTS idx_entries_tier ON entries (tier);
CREATE INDEX IF NOT EXISTS idx_entries_type ON entries (type);
CREATE INDEX IF NOT EXISTS idx_entries_decay_tier ON entries (decay_tier);

CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
    content, summary, content='entries', content_rowid='seq'
);
`

// Open opens (or creates) the SQLite database at path, enables WAL mode,
// and applies the schema. path may be ":memory:" for tests.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, fmt.Sprintf("index: open %q", path))
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// avoids "database is locked" errors under concurrent callers within
	// this process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, "index: set WAL mode")
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, "index: set synchronous=NORMAL")
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, "index: apply schema")
	}

	return &Index{db: db}, nil
}

// Close closes the underlying database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Row is one retrieval-index record, per spec.md §3's Index record.
type Row struct {
	Seq          int64
	Content      string
	Summary      string
	Type         string
	Tier         string
	Importance   float64
	AccessCount  int64
	LastAccessed *time.Time
	CreatedAt    time.Time
	DecayTier    string
	Source       string
}

func scanRow(scanner interface {
	Scan(dest ...any) error
}) (Row, error) {
	var (
		r             Row
		summary       sql.NullString
		lastAccessed  sql.NullString
		createdAtStr  string
	)
	if err := scanner.Scan(
		&r.Seq, &r.Content, &summary, &r.Type, &r.Tier, &r.Importance,
		&r.AccessCount, &lastAccessed, &createdAtStr, &r.DecayTier, &r.Source,
	); err != nil {
		return Row{}, fmt.Errorf("index: scan row: %w", err)
	}
	r.Summary = summary.String
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return Row{}, fmt.Errorf("index: parse created_at %q: %w", createdAtStr, err)
	}
	r.CreatedAt = createdAt
	if lastAccessed.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastAccessed.String)
		if err == nil {
			r.LastAccessed = &t
		}
	}
	return r, nil
}

const selectColumns = `seq, content, summary, type, tier, importance, access_count, last_accessed, created_at, decay_tier, source`

// ListByTier returns every row with the given tier, ordered by seq. A
// supplemented operator-facing query, per SPEC_FULL.md §3A.
func (ix *Index) ListByTier(tier string) ([]Row, error) {
	return ix.listWhere("tier = ?", tier)
}

// ListByType returns every row with the given type, ordered by seq.
func (ix *Index) ListByType(entryType string) ([]Row, error) {
	return ix.listWhere("type = ?", entryType)
}

func (ix *Index) listWhere(predicate string, arg any) ([]Row, error) {
	rows, err := ix.db.Query(`SELECT `+selectColumns+` FROM entries WHERE `+predicate+` ORDER BY seq`, arg)
	if err != nil {
		return nil, fmt.Errorf("index: list query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
