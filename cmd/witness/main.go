// Command witness is the witness agent binary. It loads a YAML
// configuration file, opens (or initializes) the agent's signed hash
// chain, retrieval index, and external anchor providers, optionally
// serves the thin read/query HTTP surface, and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tripwire/witness/internal/anchor"
	"github.com/tripwire/witness/internal/anchor/providera"
	"github.com/tripwire/witness/internal/anchor/providerb"
	"github.com/tripwire/witness/internal/chain"
	"github.com/tripwire/witness/internal/config"
	"github.com/tripwire/witness/internal/httpapi"
	"github.com/tripwire/witness/internal/index"
)

func main() {
	configPath := flag.String("config", "/etc/witness/config.yaml", "path to the witness agent YAML configuration file")
	exportPath := flag.String("export", "", "export the chain at -config's data_dir to this bundle JSON file and exit")
	importPath := flag.String("import", "", "import a chain bundle JSON file into -config's data_dir and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "witness: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("data_dir", cfg.DataDir),
		slog.String("agent_name", cfg.AgentName),
		slog.String("log_level", cfg.LogLevel),
	)

	if *exportPath != "" {
		runExport(cfg, logger, *exportPath)
		return
	}
	if *importPath != "" {
		runImport(cfg, logger, *importPath)
		return
	}

	passphrase := passphraseProvider(cfg)

	c, err := chain.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to open chain", slog.Any("error", err))
		os.Exit(1)
	}
	if _, statErr := os.Stat(filepath.Join(cfg.DataDir, "chain.jsonl")); os.IsNotExist(statErr) {
		initOpts := chain.InitOptions{KeyMode: cfg.KeyMode, EnvVarName: cfg.KeyEnvVar}
		if cfg.KeyMode == chain.KeyModePassphrase {
			pp, ppErr := passphrase.Passphrase()
			if ppErr != nil {
				logger.Error("failed to read key passphrase for init", slog.Any("error", ppErr))
				os.Exit(1)
			}
			initOpts.Passphrase = pp
		}
		c, err = chain.Init(cfg.DataDir, cfg.AgentName, initOpts, logger)
		if err != nil {
			logger.Error("failed to initialize chain", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("chain initialized", slog.String("data_dir", cfg.DataDir))
	}

	ix, err := index.Open(filepath.Join(cfg.DataDir, "memory.db"))
	if err != nil {
		logger.Error("failed to open retrieval index", slog.Any("error", err))
		os.Exit(1)
	}
	defer ix.Close()

	entries, err := c.Entries()
	if err != nil {
		logger.Error("failed to read chain for index rebuild", slog.Any("error", err))
		os.Exit(1)
	}
	rebuildStats, err := ix.Rebuild(entries, c, index.RebuildOptions{})
	if err != nil {
		logger.Error("failed to rebuild retrieval index", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("index rebuilt from chain",
		slog.Int("indexed", rebuildStats.Indexed),
		slog.Int("skipped_redactions", rebuildStats.SkippedRedactions),
		slog.Int("skipped_missing_bodies", rebuildStats.SkippedMissingBodies),
	)

	anchorsDir := filepath.Join(cfg.DataDir, "anchors")
	pending, err := anchor.OpenPendingStore(anchorsDir)
	if err != nil {
		logger.Error("failed to open anchor pending store", slog.Any("error", err))
		os.Exit(1)
	}

	anchors, err := buildAnchors(cfg, c, passphrase, anchorsDir)
	if err != nil {
		logger.Error("failed to configure anchor providers", slog.Any("error", err))
		os.Exit(1)
	}
	for name := range anchors {
		logger.Info("anchor provider configured", slog.String("provider", name))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var httpServer *http.Server
	if cfg.HTTP != nil {
		srv := httpapi.NewServer(c, ix, anchors, pending, passphrase, logger)
		signingKey := []byte(os.Getenv(cfg.HTTP.JWTSigningKeyEnv))
		router := httpapi.NewRouter(srv, signingKey)

		httpServer = &http.Server{
			Addr:         cfg.HTTP.ListenAddr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("http surface listening", slog.String("addr", cfg.HTTP.ListenAddr))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http surface error", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http surface shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("witness agent exited cleanly")
}

// runExport opens the chain at cfg.DataDir and writes its full bundle
// (headers and bodies) to outPath as JSON, per spec.md §4.3's export
// operation.
func runExport(cfg *config.Config, logger *slog.Logger, outPath string) {
	c, err := chain.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to open chain for export", slog.Any("error", err))
		os.Exit(1)
	}

	bundle, err := c.Export(nil, true)
	if err != nil {
		logger.Error("export failed", slog.Any("error", err))
		os.Exit(1)
	}

	raw, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		logger.Error("failed to marshal export bundle", slog.Any("error", err))
		os.Exit(1)
	}
	if err := os.WriteFile(outPath, raw, 0o600); err != nil {
		logger.Error("failed to write export bundle", slog.String("path", outPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("chain exported", slog.String("path", outPath), slog.Int("entries", len(bundle.Entries)))
}

// runImport reads a bundle JSON file written by runExport and reconstructs
// a chain from it at cfg.DataDir, per spec.md §4.3's import operation. It
// refuses to overwrite an existing chain at that directory.
func runImport(cfg *config.Config, logger *slog.Logger, inPath string) {
	raw, err := os.ReadFile(inPath)
	if err != nil {
		logger.Error("failed to read import bundle", slog.String("path", inPath), slog.Any("error", err))
		os.Exit(1)
	}

	var bundle chain.ExportBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		logger.Error("failed to parse import bundle", slog.Any("error", err))
		os.Exit(1)
	}

	if _, err := chain.Import(cfg.DataDir, bundle, false); err != nil {
		logger.Error("import failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("chain imported", slog.String("data_dir", cfg.DataDir), slog.Int("entries", len(bundle.Entries)))
}

// passphraseProvider builds the chain.PassphraseProvider matching cfg's key
// mode. Raw and environment key modes never unwrap anything, so a nil
// provider is safe for them; only passphrase-wrapped mode dereferences it.
func passphraseProvider(cfg *config.Config) chain.PassphraseProvider {
	if cfg.KeyMode == chain.KeyModePassphrase {
		return chain.EnvPassphrase(cfg.KeyPassphraseEnv)
	}
	return nil
}

// buildAnchors constructs one anchor.Provider per configured entry in
// cfg.Anchors, keyed by provider name.
func buildAnchors(cfg *config.Config, c *chain.Chain, passphrase chain.PassphraseProvider, anchorsDir string) (map[string]anchor.Provider, error) {
	providers := make(map[string]anchor.Provider, len(cfg.Anchors))
	for _, a := range cfg.Anchors {
		switch a.Name {
		case "calendar":
			providers[providera.ProviderName] = providera.New(anchorsDir, a.CalendarURLs)
		case "smart_contract":
			pub, priv, err := c.Keys(passphrase)
			if err != nil {
				return nil, fmt.Errorf("witness: load agent keypair for smart_contract anchor: %w", err)
			}
			p, err := providerb.New(providerb.Config{
				RPCURL:          a.RPCURL,
				ChainID:         a.ChainID,
				ContractAddress: a.ContractAddress,
				TokenAddress:    a.TokenAddress,
				SignerKeyHex:    os.Getenv(a.SignerKeyEnv),
				AgentPrivateKey: priv,
				AgentPublicKey:  pub,
			}, anchorsDir)
			if err != nil {
				return nil, fmt.Errorf("witness: configure smart_contract anchor: %w", err)
			}
			providers[p.Name()] = p
		default:
			return nil, fmt.Errorf("witness: unknown anchor provider %q", a.Name)
		}
	}
	return providers, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
