package chain

import (
	"github.com/tripwire/witness/internal/chainerr"
	"github.com/tripwire/witness/internal/crypto"
)

// Violation kinds, per spec.md §4.3's verify() contract.
const (
	ViolationHashMismatch     = "hash_mismatch"
	ViolationSignatureInvalid = "signature_invalid"
	ViolationSequenceGap      = "sequence_gap"
	ViolationTimestampInvalid = "timestamp_invalid"
	ViolationContentMismatch  = "content_mismatch"
)

// Violation is one integrity problem found by Verify.
type Violation struct {
	Seq     int64  `json:"seq"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// VerificationResult summarizes a full-chain verification pass.
type VerificationResult struct {
	Valid          bool        `json:"valid"`
	EntriesChecked int         `json:"entries_checked"`
	FirstSeq       int64       `json:"first_seq"`
	LastSeq        int64       `json:"last_seq"`
	RedactionCount int         `json:"redaction_count"`
	Violations     []Violation `json:"violations"`
}

// Verify re-derives and checks every invariant (I1-I5) across the full
// chain, plus body integrity via the content store. It never mutates
// on-disk state; every problem found is reported, never repaired, per
// spec.md §7.
func (c *Chain) Verify() (VerificationResult, error) {
	entries, err := ReadChain(c.chainPath())
	if err != nil {
		return VerificationResult{}, err
	}

	result := VerificationResult{Valid: true, EntriesChecked: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}
	result.FirstSeq = entries[0].Seq
	result.LastSeq = entries[len(entries)-1].Seq

	pubKey, err := readPublicKey(c.dir)
	if err != nil {
		return VerificationResult{}, err
	}

	var prev *Entry
	for i := range entries {
		e := entries[i]

		if e.Type == TypeRedaction {
			result.RedactionCount++
		}

		// I1: sequence density.
		if e.Seq != int64(i) {
			result.addViolation(e.Seq, ViolationSequenceGap, "seq does not match position in chain")
		}

		// I2: link integrity.
		if prev != nil {
			wantPrevHash, err := prev.linkHash()
			if err != nil {
				return VerificationResult{}, err
			}
			if e.PrevHash == nil || *e.PrevHash != wantPrevHash {
				result.addViolation(e.Seq, ViolationHashMismatch, "prev_hash does not match predecessor's canonical encoding")
			}
		} else if e.PrevHash != nil {
			result.addViolation(e.Seq, ViolationHashMismatch, "genesis entry must have a nil prev_hash")
		}

		// I3: temporal monotonicity.
		if prev != nil {
			prevTs, errPrev := parseTimestamp(prev.Ts)
			curTs, errCur := parseTimestamp(e.Ts)
			if errPrev != nil || errCur != nil || !curTs.After(prevTs) {
				result.addViolation(e.Seq, ViolationTimestampInvalid, "ts is not strictly greater than predecessor's ts")
			}
		}

		// I4: signature validity.
		payload, err := e.signingPayload()
		if err != nil {
			return VerificationResult{}, err
		}
		if !crypto.Verify(payload, e.Signature, pubKey) {
			result.addViolation(e.Seq, ViolationSignatureInvalid, "signature does not verify under the chain public key")
		}

		// I5: body integrity (permissive on absence).
		if _, err := c.store.Get(e.ContentHash, true); err != nil {
			if chainerr.HasCode(err, chainerr.CodeContentMismatch) {
				result.addViolation(e.Seq, ViolationContentMismatch, "stored body no longer matches content_hash")
			} else {
				return VerificationResult{}, err
			}
		}

		prevCopy := e
		prev = &prevCopy
	}

	result.Valid = len(result.Violations) == 0
	return result, nil
}

func (r *VerificationResult) addViolation(seq int64, kind, message string) {
	r.Violations = append(r.Violations, Violation{Seq: seq, Kind: kind, Message: message})
}
