// Package chain implements the signed hash-chain engine (C3): init,
// append-under-lock, verification, redaction, and export/import.
//
// Grounded on internal/audit/audit_logger.go's JSON-lines append-only
// logger — scan-to-restore state, O_APPEND|O_CREATE|O_WRONLY writes,
// entry/entryContent split for hashing — generalized to the full signed,
// multi-tier, prev-hash-linked entry model of this module, with OS-level
// file locking (internal/chain/filelock) replacing the teacher's
// single-process mutex.
package chain

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tripwire/witness/internal/chain/filelock"
	"github.com/tripwire/witness/internal/chainerr"
	"github.com/tripwire/witness/internal/crypto"
	"github.com/tripwire/witness/internal/store"
)

const (
	chainFilename   = "chain.jsonl"
	contentDirname  = "content"
	anchorsDirname  = "anchors"
	maxScanLineSize = 10 * 1024 * 1024
)

// Chain is a handle on one data directory's hash chain, content store, and
// configuration. Not safe to share a single Chain value's Add calls across
// processes without OS-level locking — which is exactly what filelock
// provides per call.
type Chain struct {
	dir    string
	store  *store.Store
	logger *slog.Logger
}

// Open returns a handle on the chain rooted at dir. It does not require
// chain.jsonl to already exist; ReadChain and Verify treat a missing file
// as an empty chain, per spec.md §4.3.
func Open(dir string, logger *slog.Logger) (*Chain, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := store.New(filepath.Join(dir, contentDirname))
	if err != nil {
		return nil, err
	}
	return &Chain{dir: dir, store: s, logger: logger}, nil
}

func (c *Chain) chainPath() string { return filepath.Join(c.dir, chainFilename) }

// Get loads a body by content hash from the chain's content store. Its
// signature matches index.BodyLoader, so a *Chain can be passed directly to
// Index.Rebuild without callers opening a second store.Store handle on the
// same content directory.
func (c *Chain) Get(hash string, verify bool) ([]byte, error) {
	return c.store.Get(hash, verify)
}

// Entries returns every entry currently in the chain, in order. See
// ReadChain for the exact tolerance applied to a partial final line.
func (c *Chain) Entries() ([]Entry, error) {
	return ReadChain(c.chainPath())
}

// Keys returns the chain's public key and, when provider can unwrap it,
// its private key. External anchor providers that sign their own payload
// with the agent's identity key (Provider B's 48-byte anchor payload, per
// spec.md §4.5) call this rather than duplicating key-loading logic.
func (c *Chain) Keys(provider PassphraseProvider) (pub, priv []byte, err error) {
	cfg, err := readConfig(c.dir)
	if err != nil {
		return nil, nil, err
	}
	pub, err = readPublicKey(c.dir)
	if err != nil {
		return nil, nil, err
	}
	priv, err = loadPrivateKey(c.dir, cfg.KeyMode, provider, cfg.EnvVarName)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// EntryBySeq returns the entry with the given sequence number, or
// chainerr.CodeEntryNotFound if none exists.
func (c *Chain) EntryBySeq(seq int64) (Entry, error) {
	entries, err := c.Entries()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.Seq == seq {
			return e, nil
		}
	}
	return Entry{}, chainerr.Newf(chainerr.CodeEntryNotFound, "no entry with seq %d", seq)
}

// TipHash returns the chain's current tip: the tail entry's link hash, the
// same digest the next entry would sign as its prev_hash. Tip-level anchor
// providers (spec.md §4.5's Provider B) anchor this chain-root value rather
// than any single entry's content hash.
func (c *Chain) TipHash() (string, error) {
	entries, err := c.Entries()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", chainerr.New(chainerr.CodeChainMissing, "chain: cannot compute tip hash, no genesis entry found")
	}
	return entries[len(entries)-1].linkHash()
}

// InitOptions configures Init beyond the required agent name and key mode.
type InitOptions struct {
	KeyMode    string
	Passphrase string // required when KeyMode == KeyModePassphrase
	EnvVarName string // required when KeyMode == KeyModeEnvironment
}

// Init creates a brand-new chain at dir: directories, a fresh keypair, the
// key material on disk per opts.KeyMode, config.json, and the genesis
// entry. It fails with CodeChainExists if chain.jsonl is already present.
func Init(dir, agentName string, opts InitOptions, logger *slog.Logger) (*Chain, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := validateAgentName(agentName); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, chainFilename)
	if _, err := os.Stat(path); err == nil {
		return nil, chainerr.New(chainerr.CodeChainExists, fmt.Sprintf("chain already exists at %q", path))
	} else if !os.IsNotExist(err) {
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, "chain: stat chain file")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, "chain: create data directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, anchorsDirname), 0o700); err != nil {
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, "chain: create anchors directory")
	}

	s, err := store.New(filepath.Join(dir, contentDirname))
	if err != nil {
		return nil, err
	}

	sk, pk, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("chain: generate keypair: %w", err)
	}
	if err := writePublicKey(dir, pk); err != nil {
		return nil, err
	}
	if err := writePrivateKey(dir, opts.KeyMode, sk, opts.Passphrase); err != nil {
		return nil, err
	}

	cfg := ChainConfig{
		AgentName:  agentName,
		KeyMode:    opts.KeyMode,
		EnvVarName: opts.EnvVarName,
		CreatedAt:  time.Now().UTC(),
		Version:    configVersion,
	}
	if err := writeConfig(dir, cfg); err != nil {
		return nil, err
	}

	c := &Chain{dir: dir, store: s, logger: logger}

	genesisBody, err := json.Marshal(map[string]any{
		"event":     "genesis",
		"agentName": agentName,
		"message":   fmt.Sprintf("%s's memory chain begins here.", agentName),
	})
	if err != nil {
		return nil, fmt.Errorf("chain: marshal genesis body: %w", err)
	}
	contentHash, err := s.Put(genesisBody)
	if err != nil {
		return nil, err
	}

	genesis := Entry{
		Seq:         0,
		Ts:          formatTimestamp(time.Now()),
		Type:        TypeIdentity,
		Tier:        TierCommitted,
		ContentHash: contentHash,
		PrevHash:    nil,
		Metadata:    map[string]any{"genesis": true},
	}
	payload, err := genesis.signingPayload()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(payload, sk)
	if err != nil {
		return nil, fmt.Errorf("chain: sign genesis entry: %w", err)
	}
	genesis.Signature = sig

	if err := appendLine(path, genesis); err != nil {
		return nil, err
	}

	c.logger.Info("chain: initialized", slog.String("dir", dir), slog.String("agent_name", agentName))
	return c, nil
}

// AddInput is the caller-supplied content of a new entry.
type AddInput struct {
	Type     string
	Tier     string // defaults to TierRelationship when empty
	Body     []byte
	Metadata map[string]any
}

// Add appends a new entry under an exclusive lock on chain.jsonl. See
// spec.md §4.3 for the exact step ordering this follows.
func (c *Chain) Add(ctx context.Context, input AddInput, provider PassphraseProvider) (Entry, error) {
	if len(input.Body) > store.MaxBodySize {
		return Entry{}, chainerr.Newf(chainerr.CodeContentTooLarge, "body is %d bytes, exceeds max %d", len(input.Body), store.MaxBodySize)
	}
	if err := crypto.ValidateMetadata(input.Metadata); err != nil {
		return Entry{}, chainerr.Wrap(chainerr.CodeMetadataInvalid, err, "chain: invalid metadata")
	}
	tier := input.Tier
	if tier == "" {
		tier = TierRelationship
	}

	lock, err := filelock.Acquire(ctx, c.chainPath())
	if err != nil {
		return Entry{}, err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			c.logger.Warn("chain: failed to release lock", slog.Any("error", relErr))
		}
	}()

	cfg, err := readConfig(c.dir)
	if err != nil {
		return Entry{}, err
	}

	tail, err := readTailEntry(c.chainPath())
	if err != nil {
		return Entry{}, err
	}
	if tail == nil {
		return Entry{}, chainerr.New(chainerr.CodeChainMissing, "chain: cannot append, no genesis entry found")
	}

	sk, err := loadPrivateKey(c.dir, cfg.KeyMode, provider, cfg.EnvVarName)
	if err != nil {
		return Entry{}, err
	}

	contentHash, err := c.store.Put(input.Body)
	if err != nil {
		return Entry{}, err
	}

	prevHash, err := tail.linkHash()
	if err != nil {
		return Entry{}, err
	}
	ts, err := nextTimestamp(tail.Ts, time.Now())
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Seq:         tail.Seq + 1,
		Ts:          ts,
		Type:        input.Type,
		Tier:        tier,
		ContentHash: contentHash,
		PrevHash:    &prevHash,
		Metadata:    input.Metadata,
	}
	payload, err := entry.signingPayload()
	if err != nil {
		return Entry{}, err
	}
	sig, err := crypto.Sign(payload, sk)
	if err != nil {
		return Entry{}, fmt.Errorf("chain: sign entry: %w", err)
	}
	entry.Signature = sig

	if err := appendLine(c.chainPath(), entry); err != nil {
		return Entry{}, err
	}

	c.logger.Info("chain: appended entry", slog.Int64("seq", entry.Seq), slog.String("type", entry.Type), slog.String("tier", entry.Tier))
	return entry, nil
}

func appendLine(path string, e Entry) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return chainerr.Wrap(chainerr.CodeIOError, err, "chain: open chain file for append")
	}
	defer f.Close()

	line, err := e.marshalLine()
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return chainerr.Wrap(chainerr.CodeIOError, err, "chain: write entry")
	}
	return f.Sync()
}

// readTailEntry returns the last complete entry in chain.jsonl, or nil if
// the file does not exist or contains no complete entries.
func readTailEntry(path string) (*Entry, error) {
	entries, err := ReadChain(path)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	tail := entries[len(entries)-1]
	return &tail, nil
}

// ReadChain streams path and returns every complete entry in order. A
// missing file yields an empty slice. Any malformed line other than the
// very last one fails fast, naming the offending line number; a malformed
// final line is discarded rather than treated as an error, since it may be
// an append still in flight from a concurrent writer (spec.md §5).
func ReadChain(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, "chain: open chain file")
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxScanLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte{}, line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, "chain: scan chain file")
	}

	entries := make([]Entry, 0, len(lines))
	for i, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			if i == len(lines)-1 {
				break // partial final line from an in-flight append; discard
			}
			return nil, fmt.Errorf("chain: malformed entry at line %d: %w", i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
