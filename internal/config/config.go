// Package config provides YAML configuration loading and validation for the
// witness agent.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/witness/internal/chain"
)

// Config is the top-level configuration structure for a witness agent.
type Config struct {
	// DataDir is the root directory holding config.json, chain.jsonl,
	// content/, memory.db, and anchors/. Required.
	DataDir string `yaml:"data_dir"`

	// AgentName identifies the owning agent, matching ChainConfig.AgentName.
	// Required.
	AgentName string `yaml:"agent_name"`

	// KeyMode selects how the chain's private key is stored: one of
	// chain.KeyModeRaw, chain.KeyModePassphrase, or chain.KeyModeEnvironment.
	// Defaults to chain.KeyModeRaw when omitted.
	KeyMode string `yaml:"key_mode"`

	// KeyPassphraseEnv names the environment variable holding the key
	// passphrase, when KeyMode is chain.KeyModePassphrase. Required in that
	// mode.
	KeyPassphraseEnv string `yaml:"key_passphrase_env"`

	// KeyEnvVar names the environment variable holding the raw private key,
	// when KeyMode is chain.KeyModeEnvironment. Required in that mode.
	KeyEnvVar string `yaml:"key_env_var"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Index holds retrieval-index scoring and GC tuning.
	Index IndexConfig `yaml:"index"`

	// Anchors lists the external timestamp anchor providers this agent may
	// use.
	Anchors []AnchorConfig `yaml:"anchors"`

	// HTTP holds the thin read/query HTTP surface's listen and auth
	// settings. Omit to run without the HTTP surface.
	HTTP *HTTPConfig `yaml:"http,omitempty"`
}

// IndexConfig holds retrieval-index hybrid scoring and garbage-collection
// settings, per spec.md §4.4. They are loaded and defaulted here but are not
// passed to internal/index, which uses its own built-in defaults.
type IndexConfig struct {
	WeightFTS        float64 `yaml:"weight_fts"`
	WeightRecency    float64 `yaml:"weight_recency"`
	WeightImportance float64 `yaml:"weight_importance"`
	WeightAccess     float64 `yaml:"weight_access"`
	AccessMax        int     `yaml:"access_max"`
	SummaryBudget    int     `yaml:"summary_budget"`
	MaxAgeDays       int     `yaml:"max_age_days"`
	GCThreshold      float64 `yaml:"gc_threshold"`
}

// AnchorConfig configures one external-anchor provider.
type AnchorConfig struct {
	// Name is one of "calendar" or "smart_contract".
	Name string `yaml:"name"`

	// CalendarURLs configures the "calendar" provider.
	CalendarURLs []string `yaml:"calendar_urls,omitempty"`

	// RPCURL, ChainID, ContractAddress, TokenAddress, and SignerKeyEnv
	// configure the "smart_contract" provider. SignerKeyEnv names the
	// environment variable holding the operator's ECDSA signing key — the
	// key itself is never stored in config.
	RPCURL          string `yaml:"rpc_url,omitempty"`
	ChainID         int64  `yaml:"chain_id,omitempty"`
	ContractAddress string `yaml:"contract_address,omitempty"`
	TokenAddress    string `yaml:"token_address,omitempty"`
	SignerKeyEnv    string `yaml:"signer_key_env,omitempty"`
}

// HTTPConfig configures the thin read/query HTTP surface, per
// SPEC_FULL.md §6A.
type HTTPConfig struct {
	// ListenAddr is the HTTP listen address (e.g. "127.0.0.1:8080").
	// Required when HTTP is non-nil.
	ListenAddr string `yaml:"listen_addr"`

	// JWTSigningKeyEnv names the environment variable holding the HMAC
	// signing key used to verify bearer tokens. Required when HTTP is
	// non-nil.
	JWTSigningKeyEnv string `yaml:"jwt_signing_key_env"`
}

var validKeyModes = map[string]bool{
	chain.KeyModeRaw:         true,
	chain.KeyModePassphrase:  true,
	chain.KeyModeEnvironment: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validAnchorNames = map[string]bool{
	"calendar":       true,
	"smart_contract": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults,
// matching the defaults named in spec.md §4.1/§4.4.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.KeyMode == "" {
		cfg.KeyMode = chain.KeyModeRaw
	}

	idx := &cfg.Index
	if idx.WeightFTS == 0 && idx.WeightRecency == 0 && idx.WeightImportance == 0 && idx.WeightAccess == 0 {
		idx.WeightFTS = 0.40
		idx.WeightRecency = 0.30
		idx.WeightImportance = 0.20
		idx.WeightAccess = 0.10
	}
	if idx.AccessMax == 0 {
		idx.AccessMax = 100
	}
	if idx.SummaryBudget == 0 {
		idx.SummaryBudget = 150
	}
	if idx.MaxAgeDays == 0 {
		idx.MaxAgeDays = 30
	}
	if idx.GCThreshold == 0 {
		idx.GCThreshold = 0.2
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if cfg.AgentName == "" {
		errs = append(errs, errors.New("agent_name is required"))
	}
	if !validKeyModes[cfg.KeyMode] {
		errs = append(errs, fmt.Errorf("key_mode %q must be one of: %s, %s, %s", cfg.KeyMode, chain.KeyModeRaw, chain.KeyModePassphrase, chain.KeyModeEnvironment))
	}
	if cfg.KeyMode == chain.KeyModePassphrase && cfg.KeyPassphraseEnv == "" {
		errs = append(errs, fmt.Errorf("key_passphrase_env is required when key_mode is %q", chain.KeyModePassphrase))
	}
	if cfg.KeyMode == chain.KeyModeEnvironment && cfg.KeyEnvVar == "" {
		errs = append(errs, fmt.Errorf("key_env_var is required when key_mode is %q", chain.KeyModeEnvironment))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	for i, a := range cfg.Anchors {
		prefix := fmt.Sprintf("anchors[%d]", i)
		if !validAnchorNames[a.Name] {
			errs = append(errs, fmt.Errorf("%s: name %q must be one of: calendar, smart_contract", prefix, a.Name))
			continue
		}
		if a.Name == "calendar" && len(a.CalendarURLs) == 0 {
			errs = append(errs, fmt.Errorf("%s: calendar_urls is required for the calendar provider", prefix))
		}
		if a.Name == "smart_contract" {
			if a.RPCURL == "" {
				errs = append(errs, fmt.Errorf("%s: rpc_url is required for the smart_contract provider", prefix))
			}
			if a.ContractAddress == "" {
				errs = append(errs, fmt.Errorf("%s: contract_address is required for the smart_contract provider", prefix))
			}
			if a.SignerKeyEnv == "" {
				errs = append(errs, fmt.Errorf("%s: signer_key_env is required for the smart_contract provider", prefix))
			}
		}
	}

	if cfg.HTTP != nil {
		if cfg.HTTP.ListenAddr == "" {
			errs = append(errs, errors.New("http.listen_addr is required when http is configured"))
		}
		if cfg.HTTP.JWTSigningKeyEnv == "" {
			errs = append(errs, errors.New("http.jwt_signing_key_env is required when http is configured"))
		}
	}

	return errors.Join(errs...)
}
