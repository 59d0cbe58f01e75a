package index

import (
	"fmt"
	"math"
	"time"
)

// Default GC parameters, per spec.md §4.4.
const (
	DefaultMaxAgeDays   = 30
	DefaultGCThreshold  = 0.2
)

// gcWeights reweight recency/importance/access-count without the FTS term,
// since GC candidates are scored independent of any query.
const (
	gcWeightRecency    = 0.5
	gcWeightImportance = 0.35
	gcWeightAccess     = 0.15
)

// GCOptions configures GC.
type GCOptions struct {
	MaxAgeDays  int
	Threshold   float64
	AccessMax   int
	DryRun      bool
	Now         time.Time // defaults to time.Now() when zero, exposed for deterministic tests
}

// GCCandidate describes one row GC considered, whether or not it was
// archived.
type GCCandidate struct {
	Seq       int64
	Score     float64
	Archived  bool
}

// GCStats summarizes one GC pass.
type GCStats struct {
	Considered int
	Archived   int
	Candidates []GCCandidate
}

// GC demotes aging, low-relevance, non-committed rows to the archived decay
// tier. It never touches chain or body files: archiving only changes the
// index's decay_tier column, per spec.md §4.4's "archival is an index-only
// operation; the chain and store remain the source of truth."
func (ix *Index) GC(opts GCOptions) (GCStats, error) {
	maxAgeDays := opts.MaxAgeDays
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultMaxAgeDays
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultGCThreshold
	}
	accessMax := opts.AccessMax
	if accessMax <= 0 {
		accessMax = DefaultAccessMax
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.AddDate(0, 0, -maxAgeDays)

	rows, err := ix.db.Query(`
		SELECT `+selectColumns+`
		FROM entries
		WHERE tier != 'committed' AND decay_tier != ? AND created_at < ?
	`, DecayArchived, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return GCStats{}, fmt.Errorf("index: gc query: %w", err)
	}

	var candidateRows []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			rows.Close()
			return GCStats{}, err
		}
		candidateRows = append(candidateRows, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return GCStats{}, fmt.Errorf("index: gc rows: %w", err)
	}
	rows.Close()

	stats := GCStats{Considered: len(candidateRows)}
	if len(candidateRows) == 0 {
		return stats, nil
	}

	var toArchive []int64
	for _, r := range candidateRows {
		recency := math.Exp(-now.Sub(r.CreatedAt).Seconds() / recencyTau)
		access := math.Log1p(float64(r.AccessCount)) / math.Log1p(float64(accessMax))
		score := gcWeightRecency*recency + gcWeightImportance*r.Importance + gcWeightAccess*access

		archived := score < threshold
		stats.Candidates = append(stats.Candidates, GCCandidate{Seq: r.Seq, Score: score, Archived: archived})
		if archived {
			toArchive = append(toArchive, r.Seq)
			stats.Archived++
		}
	}

	if opts.DryRun || len(toArchive) == 0 {
		return stats, nil
	}

	tx, err := ix.db.Begin()
	if err != nil {
		return stats, fmt.Errorf("index: gc: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`UPDATE entries SET decay_tier = ? WHERE seq = ?`)
	if err != nil {
		return stats, fmt.Errorf("index: gc: prepare update: %w", err)
	}
	defer stmt.Close()

	for _, seq := range toArchive {
		if _, err := stmt.Exec(DecayArchived, seq); err != nil {
			return stats, fmt.Errorf("index: gc: archive seq %d: %w", seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("index: gc: commit: %w", err)
	}
	return stats, nil
}

// Restore demotes an archived row back to the cold decay tier, per
// spec.md §4.4's restore operation. It is a no-op (not an error) if the row
// is not currently archived.
func (ix *Index) Restore(seq int64) error {
	res, err := ix.db.Exec(`UPDATE entries SET decay_tier = ? WHERE seq = ? AND decay_tier = ?`, DecayCold, seq, DecayArchived)
	if err != nil {
		return fmt.Errorf("index: restore seq %d: %w", seq, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}
	return nil
}
