package chain

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/witness/internal/chainerr"
	"github.com/tripwire/witness/internal/crypto"
	"github.com/tripwire/witness/internal/store"
)

// ExportBundle is the self-contained, portable representation of a chain
// (or a seq-range slice of it), per spec.md §4.3's "Export/import".
type ExportBundle struct {
	ID         string            `json:"id"`
	Config     ChainConfig       `json:"config"`
	PublicKey  string            `json:"public_key"`
	Entries    []Entry           `json:"entries"`
	Bodies     map[string]string `json:"bodies,omitempty"` // content_hash -> hex body
	ExportedAt time.Time         `json:"exported_at"`
}

// SeqRange restricts Export to entries with FromSeq <= seq <= ToSeq. A nil
// range exports the entire chain.
type SeqRange struct {
	FromSeq int64
	ToSeq   int64
}

// Export bundles the chain's config, public key, entry headers, and
// (optionally, when includeBodies is true) every referenced body still
// present in the content store, into a self-describing bundle.
func (c *Chain) Export(seqRange *SeqRange, includeBodies bool) (ExportBundle, error) {
	entries, err := ReadChain(c.chainPath())
	if err != nil {
		return ExportBundle{}, err
	}
	if seqRange != nil {
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.Seq >= seqRange.FromSeq && e.Seq <= seqRange.ToSeq {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	cfg, err := readConfig(c.dir)
	if err != nil {
		return ExportBundle{}, err
	}
	pk, err := readPublicKey(c.dir)
	if err != nil {
		return ExportBundle{}, err
	}

	bundle := ExportBundle{
		ID:         uuid.NewString(),
		Config:     cfg,
		PublicKey:  hex.EncodeToString(pk),
		Entries:    entries,
		ExportedAt: time.Now().UTC(),
	}

	if includeBodies {
		bundle.Bodies = make(map[string]string)
		for _, e := range entries {
			body, err := c.store.Get(e.ContentHash, false)
			if err != nil {
				return ExportBundle{}, err
			}
			if body == nil {
				continue
			}
			bundle.Bodies[e.ContentHash] = hex.EncodeToString(body)
		}
	}

	return bundle, nil
}

// Import validates that bundle is internally self-consistent (I1-I4, plus
// body-hash matching on any included bodies) and, only if so, materializes
// it into targetDir: config.json, agent.pub, chain.jsonl, and any bundled
// bodies under content/. targetDir must not already contain a chain unless
// overwrite is true.
func Import(targetDir string, bundle ExportBundle, overwrite bool) (*Chain, error) {
	path := filepath.Join(targetDir, chainFilename)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil, chainerr.New(chainerr.CodeChainExists, fmt.Sprintf("chain already exists at %q", path))
		}
	}

	pk, err := hex.DecodeString(bundle.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("chain: import: decode public key: %w", err)
	}
	if err := validateBundleChain(bundle.Entries, pk); err != nil {
		return nil, err
	}
	for contentHash, hexBody := range bundle.Bodies {
		body, err := hex.DecodeString(hexBody)
		if err != nil {
			return nil, fmt.Errorf("chain: import: decode body for %s: %w", contentHash, err)
		}
		if crypto.Hash(body) != contentHash {
			return nil, chainerr.Newf(chainerr.CodeContentMismatch, "bundled body for %s does not hash to that value", contentHash)
		}
	}

	if err := os.MkdirAll(targetDir, 0o700); err != nil {
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, "chain: import: create target directory")
	}
	if err := os.MkdirAll(filepath.Join(targetDir, anchorsDirname), 0o700); err != nil {
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, "chain: import: create anchors directory")
	}
	if err := writeConfig(targetDir, bundle.Config); err != nil {
		return nil, err
	}
	if err := writePublicKey(targetDir, pk); err != nil {
		return nil, err
	}

	s, err := store.New(filepath.Join(targetDir, contentDirname))
	if err != nil {
		return nil, err
	}
	for _, hexBody := range bundle.Bodies {
		body, _ := hex.DecodeString(hexBody)
		if _, err := s.Put(body); err != nil {
			return nil, err
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, "chain: import: clear existing chain file")
	}
	for _, e := range bundle.Entries {
		if err := appendLine(path, e); err != nil {
			return nil, err
		}
	}

	return &Chain{dir: targetDir, store: s, logger: nil}, nil
}

// validateBundleChain re-checks I1, I2, I3, I4 across entries without
// touching any content store, so Import can reject a broken bundle before
// writing anything to disk.
func validateBundleChain(entries []Entry, pubKey []byte) error {
	var prev *Entry
	for i, e := range entries {
		if e.Seq != int64(i) {
			return chainerr.Newf(chainerr.CodeSequenceGap, "bundle entry %d has seq %d, want %d", i, e.Seq, i)
		}
		if prev != nil {
			wantPrevHash, err := prev.linkHash()
			if err != nil {
				return err
			}
			if e.PrevHash == nil || *e.PrevHash != wantPrevHash {
				return chainerr.Newf(chainerr.CodeHashMismatch, "bundle entry %d has broken prev_hash link", e.Seq)
			}
			prevTs, errPrev := parseTimestamp(prev.Ts)
			curTs, errCur := parseTimestamp(e.Ts)
			if errPrev != nil || errCur != nil || !curTs.After(prevTs) {
				return chainerr.Newf(chainerr.CodeTimestampInvalid, "bundle entry %d is not strictly after its predecessor", e.Seq)
			}
		} else if e.PrevHash != nil {
			return chainerr.New(chainerr.CodeHashMismatch, "bundle genesis entry must have a nil prev_hash")
		}

		payload, err := e.signingPayload()
		if err != nil {
			return err
		}
		if !crypto.Verify(payload, e.Signature, pubKey) {
			return chainerr.Newf(chainerr.CodeSignatureInvalid, "bundle entry %d signature does not verify", e.Seq)
		}

		prevCopy := e
		prev = &prevCopy
	}
	return nil
}
