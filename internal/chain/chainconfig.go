package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tripwire/witness/internal/chainerr"
)

const configFilename = "config.json"

// ChainConfig is the single per-data-directory configuration record, per
// spec.md §3.
type ChainConfig struct {
	AgentName  string    `json:"agent_name"`
	KeyMode    string    `json:"key_mode"`
	EnvVarName string    `json:"env_var_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Version    int       `json:"version"`
}

const maxAgentNameLen = 256
const configVersion = 1

func validateAgentName(name string) error {
	if name == "" || len(name) > maxAgentNameLen {
		return chainerr.Newf(chainerr.CodeAgentNameInvalid, "agent_name must be non-empty and at most %d characters", maxAgentNameLen)
	}
	return nil
}

func writeConfig(dir string, cfg ChainConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("chain: marshal config: %w", err)
	}
	path := dir + string(os.PathSeparator) + configFilename
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return chainerr.Wrap(chainerr.CodeIOError, err, "chain: write config")
	}
	return nil
}

func readConfig(dir string) (ChainConfig, error) {
	path := dir + string(os.PathSeparator) + configFilename
	raw, err := os.ReadFile(path)
	if err != nil {
		return ChainConfig{}, chainerr.Wrap(chainerr.CodeChainMissing, err, "chain: read config")
	}
	var cfg ChainConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ChainConfig{}, fmt.Errorf("chain: parse config: %w", err)
	}
	return cfg, nil
}
