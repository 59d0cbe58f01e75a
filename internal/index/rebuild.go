package index

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tripwire/witness/internal/chain"
)

// BodyLoader fetches a body by content hash. *store.Store satisfies this
// interface; Rebuild takes the interface rather than a concrete type so
// this package does not need to import internal/store.
type BodyLoader interface {
	Get(hash string, verify bool) ([]byte, error)
}

// RebuildOptions configures Rebuild.
type RebuildOptions struct {
	// SummaryBudget overrides DefaultSummaryBudget when non-zero.
	SummaryBudget int
}

// RebuildStats reports what a Rebuild pass did.
type RebuildStats struct {
	Indexed              int
	SkippedRedactions    int
	SkippedMissingBodies int
}

// Rebuild repopulates the index from entries and their bodies (loaded via
// bodies). It is idempotent: rows are replaced wholesale, keyed by seq, per
// spec.md §4.4. Redaction entries and entries whose body is no longer
// present are skipped.
func (ix *Index) Rebuild(entries []chain.Entry, bodies BodyLoader, opts RebuildOptions) (RebuildStats, error) {
	budget := opts.SummaryBudget
	if budget == 0 {
		budget = DefaultSummaryBudget
	}

	tx, err := ix.db.Begin()
	if err != nil {
		return RebuildStats{}, fmt.Errorf("index: rebuild: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// entries_fts is an external-content table (content='entries'); it must
	// be told to drop its shadow tables via the 'delete-all' command before
	// the content table underneath it is cleared, or the rebuilt index ends
	// up with stale FTS rows pointing at rowids that no longer resolve.
	if _, err := tx.Exec(`INSERT INTO entries_fts (entries_fts) VALUES ('delete-all')`); err != nil {
		return RebuildStats{}, fmt.Errorf("index: rebuild: clear fts: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM entries`); err != nil {
		return RebuildStats{}, fmt.Errorf("index: rebuild: clear entries: %w", err)
	}

	insertRow, err := tx.Prepare(`
		INSERT INTO entries (seq, content, summary, type, tier, importance, access_count, last_accessed, created_at, decay_tier, source)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, ?)
	`)
	if err != nil {
		return RebuildStats{}, fmt.Errorf("index: rebuild: prepare insert: %w", err)
	}
	defer insertRow.Close()

	insertFTS, err := tx.Prepare(`INSERT INTO entries_fts (rowid, content, summary) VALUES (?, ?, ?)`)
	if err != nil {
		return RebuildStats{}, fmt.Errorf("index: rebuild: prepare fts insert: %w", err)
	}
	defer insertFTS.Close()

	var stats RebuildStats
	for _, e := range entries {
		if e.Type == chain.TypeRedaction {
			stats.SkippedRedactions++
			continue
		}

		body, err := bodies.Get(e.ContentHash, false)
		if err != nil {
			return RebuildStats{}, err
		}
		if body == nil {
			stats.SkippedMissingBodies++
			continue
		}

		content := string(body)
		summary := Summarize(content, budget)
		importance := extractImportance(e.Metadata, content)
		source := extractSource(e.Metadata)
		decayTier := DecayHot

		createdAt, err := parseEntryTimestamp(e.Ts)
		if err != nil {
			return RebuildStats{}, err
		}

		if _, err := insertRow.Exec(e.Seq, content, nullIfEmpty(summary), e.Type, e.Tier, importance, createdAt.Format(time.RFC3339Nano), decayTier, source); err != nil {
			return RebuildStats{}, fmt.Errorf("index: rebuild: insert seq %d: %w", e.Seq, err)
		}
		if _, err := insertFTS.Exec(e.Seq, content, summary); err != nil {
			return RebuildStats{}, fmt.Errorf("index: rebuild: insert fts seq %d: %w", e.Seq, err)
		}
		stats.Indexed++
	}

	if err := tx.Commit(); err != nil {
		return RebuildStats{}, fmt.Errorf("index: rebuild: commit: %w", err)
	}
	return stats, nil
}

// IndexEntry incrementally indexes one newly appended entry, so a running
// agent's search stays current without a full Rebuild pass on every append.
// Redaction entries are skipped, matching Rebuild's behavior; a redacted
// entry's existing row is removed via DeleteEntry instead.
func (ix *Index) IndexEntry(e chain.Entry, body []byte, opts RebuildOptions) error {
	if e.Type == chain.TypeRedaction {
		return nil
	}

	budget := opts.SummaryBudget
	if budget == 0 {
		budget = DefaultSummaryBudget
	}

	content := string(body)
	summary := Summarize(content, budget)
	importance := extractImportance(e.Metadata, content)
	source := extractSource(e.Metadata)
	createdAt, err := parseEntryTimestamp(e.Ts)
	if err != nil {
		return err
	}

	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("index: index entry: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`
		INSERT INTO entries (seq, content, summary, type, tier, importance, access_count, last_accessed, created_at, decay_tier, source)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, ?)
	`, e.Seq, content, nullIfEmpty(summary), e.Type, e.Tier, importance, createdAt.Format(time.RFC3339Nano), DecayHot, source); err != nil {
		return fmt.Errorf("index: index entry: insert seq %d: %w", e.Seq, err)
	}
	if _, err := tx.Exec(`INSERT INTO entries_fts (rowid, content, summary) VALUES (?, ?, ?)`, e.Seq, content, summary); err != nil {
		return fmt.Errorf("index: index entry: insert fts seq %d: %w", e.Seq, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: index entry: commit: %w", err)
	}
	return nil
}

// DeleteEntry removes seq's row from the index, including its FTS shadow
// row, following a redaction that deletes the entry's body from the content
// store. A no-op if seq is not currently indexed.
func (ix *Index) DeleteEntry(seq int64) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("index: delete entry: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var content, summary sql.NullString
	err = tx.QueryRow(`SELECT content, summary FROM entries WHERE seq = ?`, seq).Scan(&content, &summary)
	if err == sql.ErrNoRows {
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("index: delete entry: lookup seq %d: %w", seq, err)
	}

	// entries_fts is external-content; its 'delete' command needs the old
	// column values to locate and drop the matching shadow-table rows.
	if _, err := tx.Exec(`INSERT INTO entries_fts (entries_fts, rowid, content, summary) VALUES ('delete', ?, ?, ?)`, seq, content, summary); err != nil {
		return fmt.Errorf("index: delete entry: clear fts seq %d: %w", seq, err)
	}
	if _, err := tx.Exec(`DELETE FROM entries WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("index: delete entry: seq %d: %w", seq, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: delete entry: commit: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseEntryTimestamp(ts string) (time.Time, error) {
	// Entry timestamps use the fixed millisecond-precision layout defined
	// in internal/chain; parse leniently here to avoid a package-level
	// cyclic dependency on that unexported constant.
	layouts := []string{"2006-01-02T15:04:05.000Z", time.RFC3339Nano, time.RFC3339}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, fmt.Errorf("index: parse entry timestamp %q: %w", ts, lastErr)
}

// extractImportance reads metadata["importance"] when present and a valid
// [0,1] float; otherwise it estimates importance heuristically from signal
// words also used by Summarize, per spec.md §4.4's "importance provided or
// heuristically estimated".
func extractImportance(metadata map[string]any, content string) float64 {
	if metadata != nil {
		if v, ok := metadata["importance"]; ok {
			if f, ok := v.(float64); ok && f >= 0 && f <= 1 {
				return f
			}
		}
	}
	lower := strings.ToLower(content)
	for _, w := range signalWords {
		if strings.Contains(lower, w) {
			return 0.6
		}
	}
	return 0.4
}

func extractSource(metadata map[string]any) string {
	if metadata != nil {
		if v, ok := metadata["source"]; ok {
			if s, ok := v.(string); ok {
				switch s {
				case SourceAuto, SourceManual, SourceCuration:
					return s
				}
			}
		}
	}
	return SourceAuto
}
