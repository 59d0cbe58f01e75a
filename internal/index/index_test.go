package index

import (
	"strings"
	"testing"
	"time"

	"github.com/tripwire/witness/internal/chain"
)

type fakeBodies map[string][]byte

func (f fakeBodies) Get(hash string, _ bool) ([]byte, error) {
	b, ok := f[hash]
	if !ok {
		return nil, nil
	}
	return b, nil
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func testEntries() ([]chain.Entry, fakeBodies) {
	entries := []chain.Entry{
		{
			Seq: 0, Ts: "2026-01-01T00:00:00.000Z", Type: chain.TypeIdentity,
			Tier: chain.TierCommitted, ContentHash: "sha256:aaa",
		},
		{
			Seq: 1, Ts: "2026-01-02T00:00:00.000Z", Type: chain.TypeMemory,
			Tier: chain.TierRelationship, ContentHash: "sha256:bbb",
			Metadata: map[string]any{"importance": 0.9},
		},
		{
			Seq: 2, Ts: "2026-01-03T00:00:00.000Z", Type: chain.TypeDecision,
			Tier: chain.TierEphemeral, ContentHash: "sha256:ccc",
		},
		{
			Seq: 3, Ts: "2026-01-04T00:00:00.000Z", Type: chain.TypeRedaction,
			Tier: chain.TierCommitted, ContentHash: "sha256:ddd",
		},
	}
	bodies := fakeBodies{
		"sha256:aaa": []byte("The agent prefers dark roast coffee over light roast. It always orders a grande."),
		"sha256:bbb": []byte("Decided to migrate the payments service to Go by the end of Q3 2026. This was an important decision."),
		"sha256:ccc": []byte("Scheduled a follow-up meeting with https://example.com/calendar for next week."),
	}
	return entries, bodies
}

func TestRebuild_IndexesEntriesAndSkipsRedactionsAndMissingBodies(t *testing.T) {
	ix := newTestIndex(t)
	entries, bodies := testEntries()

	stats, err := ix.Rebuild(entries, bodies, RebuildOptions{})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if stats.Indexed != 3 {
		t.Fatalf("Indexed = %d, want 3", stats.Indexed)
	}
	if stats.SkippedRedactions != 1 {
		t.Fatalf("SkippedRedactions = %d, want 1", stats.SkippedRedactions)
	}

	rows, err := ix.ListByTier(chain.TierRelationship)
	if err != nil {
		t.Fatalf("ListByTier: %v", err)
	}
	if len(rows) != 1 || rows[0].Seq != 1 {
		t.Fatalf("ListByTier(relationship) = %+v, want seq 1", rows)
	}
	if rows[0].Importance != 0.9 {
		t.Fatalf("Importance = %v, want 0.9 (from metadata override)", rows[0].Importance)
	}
}

// TestRebuild_IsIdempotent covers the "rebuild replaces rows keyed by seq"
// property: running Rebuild twice against the same entries/bodies produces
// the same row set, not duplicates, and resets access counters.
func TestRebuild_IsIdempotent(t *testing.T) {
	ix := newTestIndex(t)
	entries, bodies := testEntries()

	if _, err := ix.Rebuild(entries, bodies, RebuildOptions{}); err != nil {
		t.Fatalf("first Rebuild: %v", err)
	}

	if _, err := ix.Search("coffee", SearchOptions{Now: fixedNow()}); err != nil {
		t.Fatalf("Search: %v", err)
	}

	rows, err := ix.ListByType(chain.TypeIdentity)
	if err != nil {
		t.Fatalf("ListByType: %v", err)
	}
	if len(rows) != 1 || rows[0].AccessCount == 0 {
		t.Fatalf("expected one identity row with a bumped access_count before rebuild, got %+v", rows)
	}

	stats, err := ix.Rebuild(entries, bodies, RebuildOptions{})
	if err != nil {
		t.Fatalf("second Rebuild: %v", err)
	}
	if stats.Indexed != 3 {
		t.Fatalf("Indexed = %d, want 3", stats.Indexed)
	}

	rowsAfter, err := ix.ListByType(chain.TypeDecision)
	if err != nil {
		t.Fatalf("ListByType: %v", err)
	}
	if len(rowsAfter) != 1 {
		t.Fatalf("expected exactly one decision row after rebuild, got %d", len(rowsAfter))
	}

	allHot, err := ix.ListByTier(chain.TierCommitted)
	if err != nil {
		t.Fatalf("ListByTier: %v", err)
	}
	for _, r := range allHot {
		if r.AccessCount != 0 {
			t.Fatalf("seq %d: access_count = %d after rebuild, want 0 (counters reset)", r.Seq, r.AccessCount)
		}
		if r.DecayTier != DecayHot {
			t.Fatalf("seq %d: decay_tier = %q after rebuild, want hot", r.Seq, r.DecayTier)
		}
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
}

func TestSearch_RanksByHybridScoreAndBumpsAccessCounters(t *testing.T) {
	ix := newTestIndex(t)
	entries, bodies := testEntries()
	if _, err := ix.Rebuild(entries, bodies, RebuildOptions{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	results, err := ix.Search("decision", SearchOptions{Now: fixedNow()})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one match for %q", "decision")
	}
	if results[0].Seq != 1 {
		t.Fatalf("top result seq = %d, want 1 (the migration decision entry)", results[0].Seq)
	}
	if results[0].AccessCount != 1 {
		t.Fatalf("AccessCount = %d after one Search, want 1", results[0].AccessCount)
	}

	again, err := ix.Search("decision", SearchOptions{Now: fixedNow()})
	if err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if again[0].AccessCount != 2 {
		t.Fatalf("AccessCount = %d after two searches, want 2", again[0].AccessCount)
	}
}

func TestSearch_FiltersByTypeAndMinImportance(t *testing.T) {
	ix := newTestIndex(t)
	entries, bodies := testEntries()
	if _, err := ix.Rebuild(entries, bodies, RebuildOptions{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	results, err := ix.Search("coffee OR decision OR meeting", SearchOptions{
		Now:           fixedNow(),
		Types:         []string{chain.TypeMemory},
		MinImportance: 0.5,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Type != chain.TypeMemory {
			t.Fatalf("got type %q, want only %q", r.Type, chain.TypeMemory)
		}
		if r.Importance < 0.5 {
			t.Fatalf("got importance %v, want >= 0.5", r.Importance)
		}
	}
}

func TestGC_ArchivesStaleLowRelevanceRows(t *testing.T) {
	ix := newTestIndex(t)
	entries, bodies := testEntries()
	if _, err := ix.Rebuild(entries, bodies, RebuildOptions{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	// Far enough in the future that every non-committed row is old and
	// unaccessed, so recency+importance+access all score low.
	future := fixedNow().AddDate(1, 0, 0)

	dryRun, err := ix.GC(GCOptions{Now: future, DryRun: true})
	if err != nil {
		t.Fatalf("GC dry run: %v", err)
	}
	if dryRun.Archived == 0 {
		t.Fatalf("expected dry-run GC to find archivable rows")
	}

	rowsBefore, err := ix.ListByTier(chain.TierEphemeral)
	if err != nil {
		t.Fatalf("ListByTier: %v", err)
	}
	if rowsBefore[0].DecayTier != DecayHot {
		t.Fatalf("dry run must not write: decay_tier = %q, want hot", rowsBefore[0].DecayTier)
	}

	stats, err := ix.GC(GCOptions{Now: future})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if stats.Archived == 0 {
		t.Fatalf("expected GC to archive at least one row")
	}

	// The ephemeral-tier row (low, heuristically-estimated importance) falls
	// below the GC threshold and is archived.
	rowsAfter, err := ix.ListByTier(chain.TierEphemeral)
	if err != nil {
		t.Fatalf("ListByTier: %v", err)
	}
	if rowsAfter[0].DecayTier != DecayArchived {
		t.Fatalf("decay_tier = %q after GC, want archived", rowsAfter[0].DecayTier)
	}

	// The relationship-tier row (importance 0.9) stays above the threshold
	// on importance alone, even at the same age.
	rowsRelationship, err := ix.ListByTier(chain.TierRelationship)
	if err != nil {
		t.Fatalf("ListByTier: %v", err)
	}
	if rowsRelationship[0].DecayTier == DecayArchived {
		t.Fatalf("high-importance row was archived by GC")
	}

	if err := ix.Restore(rowsAfter[0].Seq); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	rowsRestored, err := ix.ListByTier(chain.TierEphemeral)
	if err != nil {
		t.Fatalf("ListByTier: %v", err)
	}
	if rowsRestored[0].DecayTier != DecayCold {
		t.Fatalf("decay_tier = %q after Restore, want cold", rowsRestored[0].DecayTier)
	}
}

func TestGC_NeverTouchesCommittedTier(t *testing.T) {
	ix := newTestIndex(t)
	entries, bodies := testEntries()
	if _, err := ix.Rebuild(entries, bodies, RebuildOptions{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	future := fixedNow().AddDate(1, 0, 0)
	if _, err := ix.GC(GCOptions{Now: future}); err != nil {
		t.Fatalf("GC: %v", err)
	}

	rows, err := ix.ListByTier(chain.TierCommitted)
	if err != nil {
		t.Fatalf("ListByTier: %v", err)
	}
	for _, r := range rows {
		if r.DecayTier == DecayArchived {
			t.Fatalf("seq %d: committed-tier row was archived by GC", r.Seq)
		}
	}
}

func TestSummarize_ReturnsContentUnchangedWhenUnderBudget(t *testing.T) {
	short := "Short note."
	if got := Summarize(short, DefaultSummaryBudget); got != short {
		t.Fatalf("Summarize(short) = %q, want unchanged %q", got, short)
	}
}

func TestSummarize_RespectsBudgetAndPreservesOriginalOrder(t *testing.T) {
	long := "First sentence sets the scene. The agent always prefers dark roast over light roast beans. " +
		"A middle filler sentence with no particular signal. Finally, the agent decided to standardize on dark roast."
	got := Summarize(long, 150)
	if len(got) == 0 {
		t.Fatalf("Summarize returned empty string")
	}
	if len(got) > 150 {
		t.Fatalf("Summarize returned %d chars, want <= 150", len(got))
	}
	first := strings.Index(got, "First sentence")
	last := strings.Index(got, "Finally,")
	if first < 0 || last < 0 || first > last {
		t.Fatalf("Summarize = %q, want the first and last sentences kept in original order", got)
	}
}
