package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tripwire/witness/internal/chainerr"
)

// redactionBody is the body recorded by the redaction entry itself.
type redactionBody struct {
	TargetSeq  int64  `json:"target_seq"`
	TargetHash string `json:"target_hash"`
	Reason     string `json:"reason,omitempty"`
}

// Redact deletes the body of the entry at seq and appends a new
// type=redaction, tier=committed entry recording the deletion. The
// original header and its signature are never touched — redaction
// extends the chain rather than editing it, per spec.md §4.3.
func (c *Chain) Redact(ctx context.Context, seq int64, reason string, provider PassphraseProvider) (Entry, error) {
	entries, err := ReadChain(c.chainPath())
	if err != nil {
		return Entry{}, err
	}

	var target *Entry
	for i := range entries {
		if entries[i].Seq == seq {
			target = &entries[i]
			break
		}
	}
	if target == nil {
		return Entry{}, chainerr.Newf(chainerr.CodeEntryNotFound, "no entry with seq %d", seq)
	}
	if target.Type == TypeRedaction {
		return Entry{}, chainerr.Newf(chainerr.CodeAlreadyRedacted, "entry %d is itself a redaction entry", seq)
	}
	if target.Tier == TierCommitted {
		return Entry{}, chainerr.Newf(chainerr.CodeCommittedNotRedact, "entry %d has tier=committed and cannot be redacted", seq)
	}

	if err := c.store.Delete(target.ContentHash); err != nil {
		return Entry{}, err
	}

	body, err := json.Marshal(redactionBody{
		TargetSeq:  target.Seq,
		TargetHash: target.ContentHash,
		Reason:     reason,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("chain: marshal redaction body: %w", err)
	}

	return c.Add(ctx, AddInput{
		Type: TypeRedaction,
		Tier: TierCommitted,
		Body: body,
	}, provider)
}
