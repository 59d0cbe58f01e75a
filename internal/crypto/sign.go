package crypto

import (
	stded25519 "crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateKeypair creates a new Ed25519 signing key pair. sk is the 32-byte
// seed form (not the expanded 64-byte private key); pk is the 32-byte
// public key. Both are returned raw — callers hex-encode for storage.
func GenerateKeypair() (sk, pk []byte, err error) {
	pub, priv, err := stded25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generate keypair: %w", err)
	}
	// priv is the 64-byte expanded form; its first 32 bytes are the seed
	// that regenerates the whole key pair deterministically.
	seed := priv.Seed()
	return seed, []byte(pub), nil
}

// Sign signs data with the Ed25519 seed sk and returns the algorithm-
// prefixed signature "ed25519:<128 hex chars>". Ed25519 signatures are
// deterministic: signing the same bytes with the same key always produces
// the same signature, as spec.md §4.1 requires.
func Sign(data, sk []byte) (string, error) {
	if len(sk) != stded25519.SeedSize {
		return "", fmt.Errorf("crypto: sign: private key must be %d bytes, got %d", stded25519.SeedSize, len(sk))
	}
	priv := stded25519.NewKeyFromSeed(sk)
	sig := stded25519.Sign(priv, data)
	return sigAlgo + ":" + hex.EncodeToString(sig), nil
}

// Verify checks that sigPrefixed is a valid Ed25519 signature over data
// under the public key pk.
func Verify(data []byte, sigPrefixed string, pk []byte) bool {
	_, hexSig, ok := splitPrefixed(sigPrefixed, sigAlgo)
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	if len(pk) != stded25519.PublicKeySize {
		return false
	}
	return stded25519.Verify(stded25519.PublicKey(pk), data, sig)
}

// PublicKeyFromSeed derives the public key matching a private seed.
func PublicKeyFromSeed(sk []byte) ([]byte, error) {
	if len(sk) != stded25519.SeedSize {
		return nil, fmt.Errorf("crypto: bad seed length %d", len(sk))
	}
	priv := stded25519.NewKeyFromSeed(sk)
	pub, ok := priv.Public().(stded25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto: unexpected public key type")
	}
	return []byte(pub), nil
}
