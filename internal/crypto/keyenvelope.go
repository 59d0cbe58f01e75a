package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// KDF cost defaults, per spec.md §4.1.
const (
	DefaultScryptN      = 1 << 14
	DefaultScryptR      = 8
	DefaultScryptP      = 1
	scryptSaltLen       = 32
	scryptDerivedKeyLen = 32
	gcmNonceLen         = 12
)

// KeyEnvelope is the on-disk, passphrase-wrapped private-key format
// described in spec.md §3 ("an envelope {version, algorithm, kdf,
// kdf_params(salt,N,r,p), iv, ciphertext, auth_tag}").
type KeyEnvelope struct {
	Version   int        `json:"version"`
	Algorithm string     `json:"algorithm"`
	KDF       string     `json:"kdf"`
	KDFParams KDFParams  `json:"kdf_params"`
	IV        string     `json:"iv"`
	Ciphertext string    `json:"ciphertext"`
	AuthTag   string     `json:"auth_tag"`
}

// KDFParams holds the tunable scrypt cost parameters, per spec.md §4.1.
type KDFParams struct {
	Salt string `json:"salt"`
	N    int    `json:"n"`
	R    int    `json:"r"`
	P    int    `json:"p"`
}

// EncryptKey wraps the Ed25519 seed sk in a passphrase-derived AES-256-GCM
// envelope. N, r, p select the scrypt cost; pass zero for each to use the
// spec.md defaults (N=2^14, r=8, p=1).
func EncryptKey(sk []byte, passphrase string, n, r, p int) (*KeyEnvelope, error) {
	if n == 0 {
		n = DefaultScryptN
	}
	if r == 0 {
		r = DefaultScryptR
	}
	if p == 0 {
		p = DefaultScryptP
	}

	salt := make([]byte, scryptSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: generate salt: %w", err)
	}

	derived, err := scrypt.Key([]byte(passphrase), salt, n, r, p, scryptDerivedKeyLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: derive: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: new gcm: %w", err)
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: generate nonce: %w", err)
	}

	// Seal appends the 16-byte auth tag to the ciphertext; split it back
	// out so the on-disk envelope carries ciphertext and tag separately,
	// per spec.md §3.
	sealed := gcm.Seal(nil, nonce, sk, nil)
	tagLen := gcm.Overhead()
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return &KeyEnvelope{
		Version:   1,
		Algorithm: "aes-256-gcm",
		KDF:       "scrypt",
		KDFParams: KDFParams{Salt: hex.EncodeToString(salt), N: n, R: r, P: p},
		IV:         hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
		AuthTag:    hex.EncodeToString(tag),
	}, nil
}

// ErrWrongPassphrase is returned by DecryptKey when the passphrase fails
// to authenticate the envelope (a distinct error from any other failure,
// per spec.md §4.1's "wrong passphrase fails with a distinct 'auth-tag'
// error").
var ErrWrongPassphrase = fmt.Errorf("crypto: wrong passphrase or corrupted envelope (auth tag mismatch)")

// DecryptKey reverses EncryptKey, recovering the Ed25519 seed.
func DecryptKey(env *KeyEnvelope, passphrase string) ([]byte, error) {
	if env.KDF != "scrypt" {
		return nil, fmt.Errorf("crypto: decrypt key: unsupported kdf %q", env.KDF)
	}
	if env.Algorithm != "aes-256-gcm" {
		return nil, fmt.Errorf("crypto: decrypt key: unsupported algorithm %q", env.Algorithm)
	}

	salt, err := hex.DecodeString(env.KDFParams.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: decode salt: %w", err)
	}
	nonce, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: decode iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: decode ciphertext: %w", err)
	}
	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: decode auth tag: %w", err)
	}

	derived, err := scrypt.Key([]byte(passphrase), salt, env.KDFParams.N, env.KDFParams.R, env.KDFParams.P, scryptDerivedKeyLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: derive: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: new gcm: %w", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	sk, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return sk, nil
}
