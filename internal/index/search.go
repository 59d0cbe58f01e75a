package index

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Default hybrid scoring weights, per spec.md §4.4.
const (
	DefaultWeightFTS        = 0.40
	DefaultWeightRecency    = 0.30
	DefaultWeightImportance = 0.20
	DefaultWeightAccess     = 0.10

	// DefaultAccessMax normalizes log1p(access_count); an access count equal
	// to this value gives the access-frequency term 1.0. The term is not
	// clamped, so higher counts score above 1.0.
	DefaultAccessMax = 100

	// approxCharsPerToken is the heuristic used to fit results into a token
	// budget, per spec.md §4.4's "~4 chars/token heuristic".
	approxCharsPerToken = 4
)

// halfLife is chosen so a two-week-old row scores ~0.5 on recency, per
// spec.md §4.4.
var halfLife = 14 * 24 * time.Hour
var recencyTau = float64(halfLife) / math.Ln2

// Weights overrides the default hybrid scoring weights.
type Weights struct {
	FTS        float64
	Recency    float64
	Importance float64
	Access     float64
	AccessMax  int
}

// DefaultWeights returns the spec.md §4.4 default weight set.
func DefaultWeights() Weights {
	return Weights{
		FTS:        DefaultWeightFTS,
		Recency:    DefaultWeightRecency,
		Importance: DefaultWeightImportance,
		Access:     DefaultWeightAccess,
		AccessMax:  DefaultAccessMax,
	}
}

// SearchOptions configures Search.
type SearchOptions struct {
	MaxTokens     int
	MaxResults    int
	Offset        int
	Types         []string
	Tiers         []string
	MinImportance float64
	Weights       Weights
	Now           time.Time // defaults to time.Now() when zero, exposed for deterministic tests
}

// ScoredRow is a Row annotated with its computed hybrid score.
type ScoredRow struct {
	Row
	Score float64
}

// Search ranks non-archived rows against query using the hybrid scoring
// function of spec.md §4.4, truncates to an approximate token budget, and
// atomically bumps each returned row's access_count/last_accessed.
func (ix *Index) Search(query string, opts SearchOptions) ([]ScoredRow, error) {
	weights := opts.Weights
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	if weights.AccessMax <= 0 {
		weights.AccessMax = DefaultAccessMax
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 20
	}

	var whereParts []string
	var args []any
	whereParts = append(whereParts, "e.decay_tier != ?")
	args = append(args, DecayArchived)
	if len(opts.Types) > 0 {
		whereParts = append(whereParts, "e.type IN ("+placeholders(len(opts.Types))+")")
		for _, t := range opts.Types {
			args = append(args, t)
		}
	}
	if len(opts.Tiers) > 0 {
		whereParts = append(whereParts, "e.tier IN ("+placeholders(len(opts.Tiers))+")")
		for _, t := range opts.Tiers {
			args = append(args, t)
		}
	}
	if opts.MinImportance > 0 {
		whereParts = append(whereParts, "e.importance >= ?")
		args = append(args, opts.MinImportance)
	}

	ftsArgs := append([]any{query}, args...)
	q := fmt.Sprintf(`
		SELECT %s, bm25(entries_fts) AS rank
		FROM entries_fts
		JOIN entries e ON e.seq = entries_fts.rowid
		WHERE entries_fts MATCH ? AND %s
	`, prefixColumns("e", selectColumns), strings.Join(whereParts, " AND "))

	rows, err := ix.db.Query(q, ftsArgs...)
	if err != nil {
		return nil, fmt.Errorf("index: search query: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		row  Row
		bm25 float64
	}
	var candidates []candidate
	for rows.Next() {
		var bm25Val float64
		r, err := scanRowAndRank(rows, &bm25Val)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{row: r, bm25: bm25Val})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: search rows: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// bm25() in SQLite's FTS5 returns more-negative values for closer
	// matches; flip the sign and divide by the largest flipped value in this
	// result set to normalize into [0,1], per spec.md §4.4's "normalized
	// into [0,1]".
	maxRaw := 0.0
	for _, c := range candidates {
		raw := -c.bm25
		if raw > maxRaw {
			maxRaw = raw
		}
	}

	scored := make([]ScoredRow, 0, len(candidates))
	for _, c := range candidates {
		ftsScore := 0.0
		if maxRaw > 0 {
			ftsScore = (-c.bm25) / maxRaw
		}
		recency := math.Exp(-now.Sub(c.row.CreatedAt).Seconds() / recencyTau)
		access := math.Log1p(float64(c.row.AccessCount)) / math.Log1p(float64(weights.AccessMax))

		score := weights.FTS*ftsScore + weights.Recency*recency + weights.Importance*c.row.Importance + weights.Access*access
		scored = append(scored, ScoredRow{Row: c.row, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Importance != scored[j].Importance {
			return scored[i].Importance > scored[j].Importance
		}
		return scored[i].Seq > scored[j].Seq
	})

	if opts.Offset > 0 && opts.Offset < len(scored) {
		scored = scored[opts.Offset:]
	} else if opts.Offset >= len(scored) {
		scored = nil
	}

	maxTokens := opts.MaxTokens
	result := make([]ScoredRow, 0, maxResults)
	usedTokens := 0
	for _, s := range scored {
		if len(result) >= maxResults {
			break
		}
		if maxTokens > 0 {
			tokens := (len(s.Content) + len(s.Summary)) / approxCharsPerToken
			if usedTokens+tokens > maxTokens && len(result) > 0 {
				break
			}
			usedTokens += tokens
		}
		result = append(result, s)
	}

	if err := ix.bumpAccess(result); err != nil {
		return nil, err
	}
	return result, nil
}

func (ix *Index) bumpAccess(results []ScoredRow) error {
	if len(results) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	stmt, err := ix.db.Prepare(`UPDATE entries SET access_count = access_count + 1, last_accessed = ? WHERE seq = ?`)
	if err != nil {
		return fmt.Errorf("index: prepare access bump: %w", err)
	}
	defer stmt.Close()
	for i := range results {
		if _, err := stmt.Exec(now, results[i].Seq); err != nil {
			return fmt.Errorf("index: bump access for seq %d: %w", results[i].Seq, err)
		}
		results[i].AccessCount++
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func scanRowAndRank(scanner interface {
	Scan(dest ...any) error
}, rank *float64) (Row, error) {
	var (
		r            Row
		summary      sql.NullString
		lastAccessed sql.NullString
		createdAtStr string
	)
	if err := scanner.Scan(
		&r.Seq, &r.Content, &summary, &r.Type, &r.Tier, &r.Importance,
		&r.AccessCount, &lastAccessed, &createdAtStr, &r.DecayTier, &r.Source, rank,
	); err != nil {
		return Row{}, fmt.Errorf("index: scan scored row: %w", err)
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
