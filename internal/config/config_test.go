package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tripwire/witness/internal/chain"
	"github.com/tripwire/witness/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
data_dir: "/var/lib/witness/agent-01"
agent_name: "agent-01"
key_mode: passphrase-wrapped
key_passphrase_env: "WITNESS_KEY_PASSPHRASE"
log_level: debug
index:
  access_max: 200
anchors:
  - name: calendar
    calendar_urls: ["https://calendar.example.com"]
  - name: smart_contract
    rpc_url: "https://rpc.example.com"
    contract_address: "0x0000000000000000000000000000000000000001"
    signer_key_env: "WITNESS_SIGNER_KEY"
http:
  listen_addr: "127.0.0.1:8080"
  jwt_signing_key_env: "WITNESS_JWT_KEY"
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != "/var/lib/witness/agent-01" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.AgentName != "agent-01" {
		t.Errorf("AgentName = %q", cfg.AgentName)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Index.AccessMax != 200 {
		t.Errorf("Index.AccessMax = %d, want 200", cfg.Index.AccessMax)
	}
	if cfg.Index.WeightFTS != 0.40 {
		t.Errorf("Index.WeightFTS = %v, want default 0.40", cfg.Index.WeightFTS)
	}
	if len(cfg.Anchors) != 2 {
		t.Fatalf("len(Anchors) = %d, want 2", len(cfg.Anchors))
	}
	if cfg.Anchors[0].Name != "calendar" || len(cfg.Anchors[0].CalendarURLs) != 1 {
		t.Errorf("Anchors[0] = %+v", cfg.Anchors[0])
	}
	if cfg.Anchors[1].Name != "smart_contract" || cfg.Anchors[1].ContractAddress == "" {
		t.Errorf("Anchors[1] = %+v", cfg.Anchors[1])
	}
	if cfg.HTTP == nil || cfg.HTTP.ListenAddr != "127.0.0.1:8080" {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
data_dir: "/var/lib/witness/agent-01"
agent_name: "agent-01"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.KeyMode != chain.KeyModeRaw {
		t.Errorf("default KeyMode = %q, want %q", cfg.KeyMode, chain.KeyModeRaw)
	}
	if cfg.Index.WeightFTS != 0.40 || cfg.Index.WeightRecency != 0.30 ||
		cfg.Index.WeightImportance != 0.20 || cfg.Index.WeightAccess != 0.10 {
		t.Errorf("default Index weights = %+v", cfg.Index)
	}
	if cfg.Index.AccessMax != 100 {
		t.Errorf("default Index.AccessMax = %d, want 100", cfg.Index.AccessMax)
	}
	if cfg.Index.SummaryBudget != 150 {
		t.Errorf("default Index.SummaryBudget = %d, want 150", cfg.Index.SummaryBudget)
	}
	if cfg.Index.MaxAgeDays != 30 {
		t.Errorf("default Index.MaxAgeDays = %d, want 30", cfg.Index.MaxAgeDays)
	}
	if cfg.Index.GCThreshold != 0.2 {
		t.Errorf("default Index.GCThreshold = %v, want 0.2", cfg.Index.GCThreshold)
	}
}

func TestLoadConfig_MissingDataDir(t *testing.T) {
	yaml := `
agent_name: "agent-01"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing data_dir, got nil")
	}
	if !strings.Contains(err.Error(), "data_dir") {
		t.Errorf("error %q does not mention data_dir", err.Error())
	}
}

func TestLoadConfig_MissingAgentName(t *testing.T) {
	yaml := `
data_dir: "/var/lib/witness/agent-01"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing agent_name, got nil")
	}
	if !strings.Contains(err.Error(), "agent_name") {
		t.Errorf("error %q does not mention agent_name", err.Error())
	}
}

func TestLoadConfig_PassphraseModeRequiresEnvVar(t *testing.T) {
	yaml := `
data_dir: "/var/lib/witness/agent-01"
agent_name: "agent-01"
key_mode: passphrase-wrapped
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing key_passphrase_env, got nil")
	}
	if !strings.Contains(err.Error(), "key_passphrase_env") {
		t.Errorf("error %q does not mention key_passphrase_env", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
data_dir: "/var/lib/witness/agent-01"
agent_name: "agent-01"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_InvalidAnchorName(t *testing.T) {
	yaml := `
data_dir: "/var/lib/witness/agent-01"
agent_name: "agent-01"
anchors:
  - name: carrier-pigeon
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid anchor name, got nil")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("error %q does not mention invalid name %q", err.Error(), "carrier-pigeon")
	}
}

func TestLoadConfig_SmartContractAnchorRequiresFields(t *testing.T) {
	yaml := `
data_dir: "/var/lib/witness/agent-01"
agent_name: "agent-01"
anchors:
  - name: smart_contract
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for incomplete smart_contract anchor config, got nil")
	}
	if !strings.Contains(err.Error(), "rpc_url") {
		t.Errorf("error %q does not mention rpc_url", err.Error())
	}
}

func TestLoadConfig_HTTPRequiresJWTKeyEnv(t *testing.T) {
	yaml := `
data_dir: "/var/lib/witness/agent-01"
agent_name: "agent-01"
http:
  listen_addr: "127.0.0.1:8080"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing jwt_signing_key_env, got nil")
	}
	if !strings.Contains(err.Error(), "jwt_signing_key_env") {
		t.Errorf("error %q does not mention jwt_signing_key_env", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
