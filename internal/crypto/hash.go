// Package crypto implements the primitives described in spec.md §4.1:
// content hashing, Ed25519 signing, deterministic canonical encoding of
// entry headers, and passphrase-based key-at-rest encryption.
//
// The algorithm identifier embedded in every hash and signature string
// (the "sha256:" / "ed25519:" prefix) lets later verifiers and a future
// algorithm rotation coexist without reparsing historical files — the
// same rationale spec.md §4.1 gives for the design.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	hashAlgo = "sha256"
	sigAlgo  = "ed25519"
)

// Hash returns the algorithm-prefixed SHA-256 digest of data, e.g.
// "sha256:<64 hex chars>".
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hashAlgo + ":" + hex.EncodeToString(sum[:])
}

// SplitHash separates an algorithm-prefixed hash string into its algorithm
// and hex digest. ok is false if prefix is missing or the algorithm is
// unrecognized.
func SplitHash(prefixed string) (algo, hexDigest string, ok bool) {
	return splitPrefixed(prefixed, hashAlgo)
}

func splitPrefixed(s, wantAlgo string) (algo, rest string, ok bool) {
	sep := len(wantAlgo) + 1
	if len(s) <= sep || s[:sep] != wantAlgo+":" {
		return "", "", false
	}
	return wantAlgo, s[sep:], true
}
