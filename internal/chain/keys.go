package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tripwire/witness/internal/chainerr"
	"github.com/tripwire/witness/internal/crypto"
)

// Key modes, per spec.md §3.
const (
	KeyModeRaw         = "raw"
	KeyModePassphrase  = "passphrase-wrapped"
	KeyModeEnvironment = "environment"
)

const (
	pubKeyFilename       = "agent.pub"
	rawKeyFilename       = "agent.key"
	envelopeKeyFilename  = "agent.key.enc"
	pubKeyMode           = 0o644
	privKeyMode          = 0o600
)

// PassphraseProvider supplies the passphrase used to unwrap a
// passphrase-wrapped private key. It is an explicit dependency of every
// operation that needs the private key, per spec.md §9's "single-process
// mutable globals become explicit dependencies" redesign note — there is no
// package-level passphrase singleton.
type PassphraseProvider interface {
	Passphrase() (string, error)
}

// StaticPassphrase is a PassphraseProvider that always returns the same
// passphrase, useful for tests and simple embedders.
type StaticPassphrase string

func (s StaticPassphrase) Passphrase() (string, error) { return string(s), nil }

// EnvPassphrase reads the passphrase from the named environment variable on
// every call, so a rotated value takes effect without restarting the
// process.
type EnvPassphrase string

func (e EnvPassphrase) Passphrase() (string, error) {
	v, ok := os.LookupEnv(string(e))
	if !ok {
		return "", chainerr.New(chainerr.CodePassphraseMissing, fmt.Sprintf("environment variable %q is not set", e))
	}
	return v, nil
}

func writePublicKey(dir string, pk []byte) error {
	path := filepath.Join(dir, pubKeyFilename)
	data := []byte(hex.EncodeToString(pk) + "\n")
	if err := os.WriteFile(path, data, pubKeyMode); err != nil {
		return chainerr.Wrap(chainerr.CodeIOError, err, "chain: write public key")
	}
	return nil
}

func readPublicKey(dir string) ([]byte, error) {
	path := filepath.Join(dir, pubKeyFilename)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.CodeIOError, err, "chain: read public key")
	}
	pk, err := hex.DecodeString(trimNewline(raw))
	if err != nil {
		return nil, fmt.Errorf("chain: decode public key: %w", err)
	}
	return pk, nil
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// writePrivateKey persists sk according to keyMode. For KeyModeEnvironment
// it writes nothing to disk: the key is supplied out-of-band.
func writePrivateKey(dir, keyMode string, sk []byte, passphrase string) error {
	switch keyMode {
	case KeyModeRaw:
		path := filepath.Join(dir, rawKeyFilename)
		data := []byte(hex.EncodeToString(sk) + "\n")
		if err := os.WriteFile(path, data, privKeyMode); err != nil {
			return chainerr.Wrap(chainerr.CodeIOError, err, "chain: write private key")
		}
		return nil
	case KeyModePassphrase:
		if passphrase == "" {
			return chainerr.New(chainerr.CodePassphraseMissing, "passphrase-wrapped key mode requires a non-empty passphrase at init time")
		}
		env, err := crypto.EncryptKey(sk, passphrase, 0, 0, 0)
		if err != nil {
			return fmt.Errorf("chain: encrypt private key: %w", err)
		}
		raw, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return fmt.Errorf("chain: marshal key envelope: %w", err)
		}
		path := filepath.Join(dir, envelopeKeyFilename)
		if err := os.WriteFile(path, raw, privKeyMode); err != nil {
			return chainerr.Wrap(chainerr.CodeIOError, err, "chain: write key envelope")
		}
		return nil
	case KeyModeEnvironment:
		return nil
	default:
		return fmt.Errorf("chain: unknown key mode %q", keyMode)
	}
}

// loadPrivateKey recovers the signing key according to keyMode. provider
// and envVar are only consulted for the modes that need them.
func loadPrivateKey(dir, keyMode string, provider PassphraseProvider, envVar string) ([]byte, error) {
	switch keyMode {
	case KeyModeRaw:
		path := filepath.Join(dir, rawKeyFilename)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, chainerr.Wrap(chainerr.CodeIOError, err, "chain: read private key")
		}
		sk, err := hex.DecodeString(trimNewline(raw))
		if err != nil {
			return nil, fmt.Errorf("chain: decode private key: %w", err)
		}
		return sk, nil
	case KeyModePassphrase:
		if provider == nil {
			return nil, chainerr.New(chainerr.CodePassphraseMissing, "passphrase-wrapped key mode requires a PassphraseProvider")
		}
		path := filepath.Join(dir, envelopeKeyFilename)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, chainerr.Wrap(chainerr.CodeIOError, err, "chain: read key envelope")
		}
		var env crypto.KeyEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("chain: parse key envelope: %w", err)
		}
		passphrase, err := provider.Passphrase()
		if err != nil {
			return nil, err
		}
		sk, err := crypto.DecryptKey(&env, passphrase)
		if err != nil {
			if err == crypto.ErrWrongPassphrase {
				return nil, chainerr.Wrap(chainerr.CodePassphraseWrong, err, "chain: wrong passphrase for private key")
			}
			return nil, err
		}
		return sk, nil
	case KeyModeEnvironment:
		if envVar == "" {
			return nil, fmt.Errorf("chain: environment key mode requires an environment variable name")
		}
		v, ok := os.LookupEnv(envVar)
		if !ok {
			return nil, chainerr.New(chainerr.CodePassphraseMissing, fmt.Sprintf("environment variable %q is not set", envVar))
		}
		sk, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("chain: decode private key from environment: %w", err)
		}
		return sk, nil
	default:
		return nil, fmt.Errorf("chain: unknown key mode %q", keyMode)
	}
}
