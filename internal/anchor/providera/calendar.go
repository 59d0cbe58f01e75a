// Package providera implements a decentralized-calendar timestamp anchor
// (an OpenTimestamps-style provider): a single entry's content hash is
// submitted to one or more calendar servers, which return a partial Merkle
// path that is later upgraded into a path rooted in a confirmed block.
//
// Grounded on internal/transport/grpctransport.go's connectLoop for bounded,
// jittered-backoff retry around an external network call, applied here to
// HTTP calendar submission instead of a gRPC dial.
package providera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripwire/witness/internal/anchor"
)

const ProviderName = "calendar"

// calendarSubmitRequest/Response model the minimal calendar-server contract
// this provider speaks: post a digest, get back an opaque commitment token
// that can later be polled for a Merkle path completion.
type calendarSubmitRequest struct {
	Digest string `json:"digest"`
}

type calendarSubmitResponse struct {
	CommitmentID string `json:"commitment_id"`
}

type calendarUpgradeResponse struct {
	Complete        bool   `json:"complete"`
	BlockHeight      int64  `json:"block_height,omitempty"`
	BlockTimestamp   int64  `json:"block_timestamp,omitempty"`
	MerklePath       string `json:"merkle_path,omitempty"`
}

// artifact is the on-disk .ots-style proof artifact: the digest, the set of
// calendar commitments collected at submit time, and the Merkle completion
// once upgraded. Serialized as JSON despite the ".ots"-shaped filename —
// this module does not implement the real OpenTimestamps binary wire
// format, only its submit/upgrade/verify lifecycle.
type artifact struct {
	Digest       string            `json:"digest"`
	Commitments  map[string]string `json:"commitments"`
	Complete     bool              `json:"complete"`
	BlockHeight  int64             `json:"block_height,omitempty"`
	BlockTime    int64             `json:"block_timestamp,omitempty"`
}

// Provider is the calendar-anchor Provider implementation.
type Provider struct {
	CalendarURLs []string
	HTTPClient   *http.Client
	ArtifactsDir string
}

// New constructs a calendar Provider. artifactsDir is the anchors/
// directory; calendarURLs is the ordered set of calendar servers to try.
func New(artifactsDir string, calendarURLs []string) *Provider {
	return &Provider{
		CalendarURLs: calendarURLs,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
		ArtifactsDir: artifactsDir,
	}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Available() bool { return len(p.CalendarURLs) > 0 }

func (p *Provider) EstimateCost(count int) (anchor.CostEstimate, error) {
	// Calendar servers are free to submit to; cost is purely the network
	// round trips, not a fee charged to the submitter.
	return anchor.CostEstimate{Fee: 0, Unit: "none", Available: p.Available()}, nil
}

func (p *Provider) artifactPath(seq int64) string {
	return filepath.Join(p.ArtifactsDir, fmt.Sprintf("entry-%d.ots", seq))
}

// Submit posts target.Hash to every configured calendar, tolerating partial
// failure iff at least one calendar accepted the digest (the artifact is
// still upgradable from any single commitment), writes the compact proof
// artifact, and returns a pending Record; it does not write to the
// PendingStore.
func (p *Provider) Submit(target anchor.Target, opts anchor.SubmitOptions) (anchor.SubmitResult, error) {
	if len(p.CalendarURLs) == 0 {
		return anchor.SubmitResult{}, fmt.Errorf("providera: no calendar servers configured")
	}

	commitments := make(map[string]string)
	var lastErr error
	for _, url := range p.CalendarURLs {
		id, err := p.submitToCalendar(context.Background(), url, target.Hash)
		if err != nil {
			lastErr = err
			continue
		}
		commitments[url] = id
	}
	if len(commitments) == 0 {
		return anchor.SubmitResult{}, fmt.Errorf("providera: all calendar submissions failed: %w", lastErr)
	}

	art := artifact{Digest: target.Hash, Commitments: commitments}
	path := p.artifactPath(target.Seq)
	if err := writeArtifact(path, art); err != nil {
		return anchor.SubmitResult{}, err
	}

	targetID := strconv.FormatInt(target.Seq, 10)
	rec := anchor.Record{
		Provider:          ProviderName,
		TargetID:          targetID,
		TargetHash:        target.Hash,
		Status:            anchor.StatusPending,
		SubmittedAt:       nowStamp(),
		ProofArtifactPath: path,
	}
	return anchor.SubmitResult{Record: rec}, nil
}

// submitToCalendar posts a digest to a single calendar server with bounded
// exponential-backoff retry, mirroring grpctransport.go's connectLoop.
func (p *Provider) submitToCalendar(ctx context.Context, url, digest string) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bounded := backoff.WithMaxRetries(bo, 5)

	var commitmentID string
	op := func() error {
		body, err := json.Marshal(calendarSubmitRequest{Digest: digest})
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/digest", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("providera: calendar %s returned %d", url, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("providera: calendar %s returned %d", url, resp.StatusCode))
		}

		var out calendarSubmitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("providera: decode calendar response: %w", err))
		}
		commitmentID = out.CommitmentID
		return nil
	}

	if err := backoff.Retry(op, bounded); err != nil {
		return "", err
	}
	return commitmentID, nil
}

// UpgradePending re-reads each pending calendar-provider artifact and polls
// each commitment's calendar server for Merkle-path completion. When at
// least one commitment completes, the artifact is updated with the completed
// commitment carrying the earliest block timestamp and the pending record
// is marked confirmed.
func (p *Provider) UpgradePending(store *anchor.PendingStore) (anchor.StatusReport, error) {
	records, err := store.Pending()
	if err != nil {
		return anchor.StatusReport{}, err
	}
	var report anchor.StatusReport
	for _, rec := range records {
		if rec.Provider != ProviderName {
			continue
		}
		report.Checked++

		art, err := readArtifact(rec.ProofArtifactPath)
		if err != nil {
			continue
		}
		if art.Complete {
			continue
		}

		upgraded := false
		for url := range art.Commitments {
			done, height, ts, err := p.pollUpgrade(url, art.Commitments[url])
			if err != nil || !done {
				continue
			}
			if upgraded && ts >= art.BlockTime {
				continue
			}
			art.Complete = true
			art.BlockHeight = height
			art.BlockTime = ts
			upgraded = true
		}
		if !upgraded {
			continue
		}

		if err := writeArtifact(rec.ProofArtifactPath, art); err != nil {
			report.Failed++
			continue
		}

		confirmedAt := nowStamp()
		coords := fmt.Sprintf("block:%d", art.BlockHeight)
		if _, err := store.Update(rec.TargetID, func(r *anchor.Record) {
			r.Status = anchor.StatusConfirmed
			r.ConfirmedAt = &confirmedAt
			r.ExternalCoords = coords
		}); err != nil {
			report.Failed++
			continue
		}
		report.Upgraded++
		report.Confirmed++
	}
	return report, nil
}

func (p *Provider) pollUpgrade(url, commitmentID string) (done bool, blockHeight, blockTimestamp int64, err error) {
	req, err := http.NewRequest(http.MethodGet, url+"/upgrade/"+commitmentID, nil)
	if err != nil {
		return false, 0, 0, err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return false, 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, 0, 0, nil
	}
	var out calendarUpgradeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, 0, 0, err
	}
	return out.Complete, out.BlockHeight, out.BlockTimestamp, nil
}

// Verify re-derives the target hash against the locally stored artifact and
// reports the earliest block timestamp among completed commitments.
func (p *Provider) Verify(target anchor.Target) (anchor.VerifyResult, error) {
	path := p.artifactPath(target.Seq)
	art, err := readArtifact(path)
	if err != nil {
		return anchor.VerifyResult{Status: anchor.StatusFailed, Error: err.Error()}, nil
	}
	if art.Digest != target.Hash {
		return anchor.VerifyResult{Valid: false, Status: anchor.StatusFailed, Error: "digest mismatch"}, nil
	}
	if !art.Complete {
		return anchor.VerifyResult{Valid: false, Status: anchor.StatusPending}, nil
	}
	return anchor.VerifyResult{
		Valid:          true,
		Status:         anchor.StatusConfirmed,
		ExternalCoords: fmt.Sprintf("block:%d@%d", art.BlockHeight, art.BlockTime),
	}, nil
}

func (p *Provider) Status(store *anchor.PendingStore) ([]anchor.Record, error) {
	return store.List(ProviderName)
}

func writeArtifact(path string, art artifact) error {
	raw, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("providera: marshal artifact: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("providera: write artifact: %w", err)
	}
	return os.Rename(tmp, path)
}

func readArtifact(path string) (artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return artifact{}, fmt.Errorf("providera: read artifact: %w", err)
	}
	var art artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return artifact{}, fmt.Errorf("providera: parse artifact: %w", err)
	}
	return art, nil
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
