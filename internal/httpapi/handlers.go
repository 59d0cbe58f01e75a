package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/witness/internal/anchor"
	"github.com/tripwire/witness/internal/anchor/providerb"
	"github.com/tripwire/witness/internal/chain"
	"github.com/tripwire/witness/internal/index"
)

// handleHealthz responds to GET /healthz with HTTP 200 and a trivial JSON
// body, for load balancers and orchestrators.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVerify responds to GET /v1/verify by running a full chain
// verification pass and returning its VerificationResult.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.Chain.Verify()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verification failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSearch responds to GET /v1/search.
//
// Supported query parameters:
//
//	q              – search query (required)
//	type           – repeatable, restricts to these entry types
//	tier           – repeatable, restricts to these tiers
//	min_importance – minimum importance score (optional)
//	max_results    – maximum rows returned (optional)
//	offset         – pagination offset (optional)
//	max_tokens     – approximate token budget for the result set (optional)
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}

	opts := index.SearchOptions{
		Types: q["type"],
		Tiers: q["tier"],
	}
	if v := q.Get("min_importance"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'min_importance' must be a number")
			return
		}
		opts.MinImportance = f
	}
	if v := q.Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'max_results' must be a positive integer")
			return
		}
		opts.MaxResults = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		opts.Offset = n
	}
	if v := q.Get("max_tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'max_tokens' must be a positive integer")
			return
		}
		opts.MaxTokens = n
	}

	rows, err := s.Index.Search(query, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed: "+err.Error())
		return
	}
	if rows == nil {
		rows = []index.ScoredRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleListEntries responds to GET /v1/entries, a debugging convenience
// over the index's tier/entry-type facets.
//
// Supported query parameters (exactly one required):
//
//	tier – restrict to entries with this tier
//	type – restrict to entries with this type
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tier := q.Get("tier")
	typ := q.Get("type")
	if (tier == "") == (typ == "") {
		writeError(w, http.StatusBadRequest, "exactly one of 'tier' or 'type' is required")
		return
	}

	var (
		rows []index.Row
		err  error
	)
	if tier != "" {
		rows, err = s.Index.ListByTier(tier)
	} else {
		rows, err = s.Index.ListByType(typ)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed: "+err.Error())
		return
	}
	if rows == nil {
		rows = []index.Row{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// createEntryRequest is the POST /v1/entries request body. Body is a raw
// UTF-8 string, matching the chain's content-addressable store, which
// accepts arbitrary bytes but is exercised here with text memories.
type createEntryRequest struct {
	Type     string         `json:"type"`
	Tier     string         `json:"tier,omitempty"`
	Body     string         `json:"body"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// handleCreateEntry responds to POST /v1/entries by appending a new entry
// to the chain under an exclusive lock.
func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "'type' is required")
		return
	}

	entry, err := s.Chain.Add(r.Context(), chain.AddInput{
		Type:     req.Type,
		Tier:     req.Tier,
		Body:     []byte(req.Body),
		Metadata: req.Metadata,
	}, s.Passphrase)
	if err != nil {
		writeError(w, http.StatusBadRequest, "append failed: "+err.Error())
		return
	}

	if s.Index != nil {
		if err := s.Index.IndexEntry(entry, []byte(req.Body), index.RebuildOptions{}); err != nil {
			s.Logger.Warn("httpapi: failed to index new entry", slog.Int64("seq", entry.Seq), slog.Any("error", err))
		}
	}

	writeJSON(w, http.StatusCreated, entry)
}

// redactEntryRequest is the POST /v1/entries/{seq}/redact request body.
type redactEntryRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleRedactEntry responds to POST /v1/entries/{seq}/redact by deleting
// the target entry's body and appending a redaction entry.
func (s *Server) handleRedactEntry(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'seq' must be an integer")
		return
	}

	var req redactEntryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	entry, err := s.Chain.Redact(r.Context(), seq, req.Reason, s.Passphrase)
	if err != nil {
		writeError(w, http.StatusBadRequest, "redaction failed: "+err.Error())
		return
	}

	if s.Index != nil {
		if err := s.Index.DeleteEntry(seq); err != nil {
			s.Logger.Warn("httpapi: failed to remove redacted entry from index", slog.Int64("seq", seq), slog.Any("error", err))
		}
	}

	writeJSON(w, http.StatusOK, entry)
}

// gcRequest is the POST /v1/index/gc request body. Zero fields fall back to
// the index package's own defaults.
type gcRequest struct {
	MaxAgeDays int     `json:"max_age_days,omitempty"`
	Threshold  float64 `json:"threshold,omitempty"`
	AccessMax  int     `json:"access_max,omitempty"`
	DryRun     bool    `json:"dry_run,omitempty"`
}

// handleIndexGC responds to POST /v1/index/gc by running a decay-tier
// garbage-collection pass over the retrieval index.
func (s *Server) handleIndexGC(w http.ResponseWriter, r *http.Request) {
	var req gcRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	stats, err := s.Index.GC(index.GCOptions{
		MaxAgeDays: req.MaxAgeDays,
		Threshold:  req.Threshold,
		AccessMax:  req.AccessMax,
		DryRun:     req.DryRun,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "gc failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleIndexRestore responds to POST /v1/index/restore/{seq} by demoting
// seq back out of the archived decay tier.
func (s *Server) handleIndexRestore(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'seq' must be an integer")
		return
	}
	if err := s.Index.Restore(seq); err != nil {
		writeError(w, http.StatusInternalServerError, "restore failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"seq": seq})
}

// handleUpgradeAnchors responds to POST /v1/anchors/upgrade by asking every
// configured provider to check its pending records for completion, per
// spec.md §4.5's pending-to-confirmed upgrade path.
func (s *Server) handleUpgradeAnchors(w http.ResponseWriter, r *http.Request) {
	if s.Pending == nil {
		writeError(w, http.StatusNotImplemented, "no anchor providers configured")
		return
	}

	reports := make(map[string]anchor.StatusReport, len(s.Anchors))
	for name, provider := range s.Anchors {
		report, err := provider.UpgradePending(s.Pending)
		if err != nil {
			writeError(w, http.StatusBadGateway, fmt.Sprintf("upgrade failed for provider %q: %s", name, err))
			return
		}
		reports[name] = report
	}
	writeJSON(w, http.StatusOK, reports)
}

// handleVerifyAnchor responds to GET /v1/anchors/verify by asking the named
// provider to independently verify the anchor for the given target.
//
// Supported query parameters:
//
//	provider – which configured provider to ask (required)
//	seq      – which entry to verify (required; seq 0 is rejected, and the
//	           smart_contract provider always verifies the chain tip)
func (s *Server) handleVerifyAnchor(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("provider")
	if name == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'provider' is required")
		return
	}
	provider, ok := s.Anchors[name]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown provider: "+name)
		return
	}

	seq, err := strconv.ParseInt(q.Get("seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "query parameter 'seq' must be an integer")
		return
	}

	target, err := s.resolveTarget(provider.Name(), seq)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot resolve target entry: "+err.Error())
		return
	}

	result, err := provider.Verify(target)
	if err != nil {
		writeError(w, http.StatusBadGateway, "anchor verification failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListAnchors responds to GET /v1/anchors.
//
// Supported query parameters:
//
//	provider – restrict to one provider's records (optional)
//	pending  – "true" restricts to pending-only records across providers
func (s *Server) handleListAnchors(w http.ResponseWriter, r *http.Request) {
	if s.Pending == nil {
		writeError(w, http.StatusNotImplemented, "no anchor providers configured")
		return
	}

	q := r.URL.Query()
	var (
		records []anchor.Record
		err     error
	)
	if q.Get("pending") == "true" {
		records, err = s.Pending.Pending()
	} else {
		records, err = s.Pending.List(q.Get("provider"))
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list anchors: "+err.Error())
		return
	}
	if records == nil {
		records = []anchor.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// submitAnchorRequest is the POST /v1/anchors request body: which
// configured provider to use and which chain entry (by seq) to anchor. The
// smart_contract provider ignores Seq and anchors the chain tip.
type submitAnchorRequest struct {
	Provider string  `json:"provider"`
	Seq      int64   `json:"seq"`
	MaxFee   float64 `json:"max_fee,omitempty"`
}

// handleSubmitAnchor responds to POST /v1/anchors by resolving the anchor
// target (the entry's content hash, or the chain tip for smart_contract)
// and submitting it to the named provider.
func (s *Server) handleSubmitAnchor(w http.ResponseWriter, r *http.Request) {
	var req submitAnchorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "'provider' is required")
		return
	}

	provider, ok := s.Anchors[req.Provider]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown provider: "+req.Provider)
		return
	}

	target, err := s.resolveTarget(provider.Name(), req.Seq)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot resolve target entry: "+err.Error())
		return
	}

	result, err := provider.Submit(target, anchor.SubmitOptions{MaxFee: req.MaxFee})
	if err != nil {
		writeError(w, http.StatusBadGateway, "anchor submission failed: "+err.Error())
		return
	}

	if s.Pending != nil {
		if err := s.Pending.Insert(result.Record); err != nil {
			s.Logger.Warn("httpapi: failed to persist anchor record", slog.Any("error", err))
		}
	}
	writeJSON(w, http.StatusAccepted, result.Record)
}

// handleEstimateAnchorCost responds to GET /v1/anchors/estimate with a
// provider's current fee estimate for anchoring count entries, without
// submitting anything.
//
// Supported query parameters:
//
//	provider – which configured provider to ask (required)
//	count    – how many entries the estimate covers (default 1)
func (s *Server) handleEstimateAnchorCost(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("provider")
	if name == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'provider' is required")
		return
	}
	provider, ok := s.Anchors[name]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown provider: "+name)
		return
	}

	count := 1
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'count' must be a positive integer")
			return
		}
		count = n
	}

	estimate, err := provider.EstimateCost(count)
	if err != nil {
		writeError(w, http.StatusBadGateway, "cost estimate failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

// resolveTarget builds an anchor.Target appropriate to providerName. The
// smart-contract registry (providerb) is a tip-level provider: it always
// anchors the chain root (TipHash), regardless of seq, per spec.md §4.5.
// Every other provider anchors a specific entry's content hash, so seq must
// name one (seq 0 is not a valid entry).
func (s *Server) resolveTarget(providerName string, seq int64) (anchor.Target, error) {
	stats, err := s.Chain.Stats()
	if err != nil {
		return anchor.Target{}, err
	}

	var hash string
	if providerName == providerb.ProviderName {
		hash, err = s.Chain.TipHash()
		if err != nil {
			return anchor.Target{}, err
		}
	} else {
		if seq == 0 {
			return anchor.Target{}, fmt.Errorf("'seq' must identify a specific entry for provider %q", providerName)
		}
		entry, err := s.Chain.EntryBySeq(seq)
		if err != nil {
			return anchor.Target{}, err
		}
		hash = entry.ContentHash
	}

	return anchor.Target{
		Seq:        seq,
		Hash:       hash,
		EntryCount: int64(stats.TotalEntries),
	}, nil
}
