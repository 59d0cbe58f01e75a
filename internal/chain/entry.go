package chain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tripwire/witness/internal/crypto"
)

// Entry types and tiers, per spec.md §3.
const (
	TypeIdentity  = "identity"
	TypeMemory    = "memory"
	TypeDecision  = "decision"
	TypeRedaction = "redaction"

	TierCommitted    = "committed"
	TierRelationship = "relationship"
	TierEphemeral    = "ephemeral"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Entry is one immutable, signed header in the chain. Once appended it is
// never mutated; redaction appends a new Entry rather than editing this one.
type Entry struct {
	Seq         int64          `json:"seq"`
	Ts          string         `json:"ts"`
	Type        string         `json:"type"`
	Tier        string         `json:"tier"`
	ContentHash string         `json:"content_hash"`
	PrevHash    *string        `json:"prev_hash"`
	Signature   string         `json:"signature"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// entryContent is Entry minus Signature: the exact byte form that gets
// signed. Grounded on internal/audit's entryContent/entry split, where the
// content hash excludes the field it is used to produce.
type entryContent struct {
	Seq         int64          `json:"seq"`
	Ts          string         `json:"ts"`
	Type        string         `json:"type"`
	Tier        string         `json:"tier"`
	ContentHash string         `json:"content_hash"`
	PrevHash    *string        `json:"prev_hash"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

// nextTimestamp returns the current wall-clock time, bumped forward by the
// smallest representable increment if it would not be strictly greater than
// tailTs, preserving invariant I3.
func nextTimestamp(tailTs string, now time.Time) (string, error) {
	now = now.UTC().Truncate(time.Millisecond)
	if tailTs == "" {
		return formatTimestamp(now), nil
	}
	tail, err := parseTimestamp(tailTs)
	if err != nil {
		return "", fmt.Errorf("chain: parse tail timestamp %q: %w", tailTs, err)
	}
	if now.After(tail) {
		return formatTimestamp(now), nil
	}
	return formatTimestamp(tail.Add(time.Millisecond)), nil
}

// signingPayload returns the canonical bytes signed to produce Signature:
// the canonical encoding of every field except Signature itself.
func (e Entry) signingPayload() ([]byte, error) {
	content := entryContent{
		Seq:         e.Seq,
		Ts:          e.Ts,
		Type:        e.Type,
		Tier:        e.Tier,
		ContentHash: e.ContentHash,
		PrevHash:    e.PrevHash,
		Metadata:    e.Metadata,
	}
	m, err := crypto.ToCanonicalMap(content)
	if err != nil {
		return nil, fmt.Errorf("chain: canonicalize entry content: %w", err)
	}
	return crypto.CanonicalEncode(m)
}

// linkPayload returns the canonical bytes this entry contributes as the
// prev_hash input for its successor: the canonical encoding of the full
// header, signature included, per spec.md §3.
func (e Entry) linkPayload() ([]byte, error) {
	m, err := crypto.ToCanonicalMap(e)
	if err != nil {
		return nil, fmt.Errorf("chain: canonicalize entry: %w", err)
	}
	return crypto.CanonicalEncode(m)
}

// linkHash is the digest fed into the next entry's prev_hash field.
func (e Entry) linkHash() (string, error) {
	payload, err := e.linkPayload()
	if err != nil {
		return "", err
	}
	return crypto.Hash(payload), nil
}

func (e Entry) marshalLine() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("chain: marshal entry: %w", err)
	}
	return append(raw, '\n'), nil
}
