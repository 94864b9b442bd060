// Command nbotgw bootstraps the plugin host core: registry, manager,
// market sync, LLM gateway, and event router. The chat-platform connection
// itself, and the HTTP control plane that ultimately feeds events into
// Router.Route, are external collaborators supplied by the embedding
// process (spec.md §1) and are not started here.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bdobrica/nbotgw/common/crypto"
	"github.com/bdobrica/nbotgw/common/environment"
	"github.com/bdobrica/nbotgw/common/redact"
	"github.com/bdobrica/nbotgw/common/version"
	"github.com/bdobrica/nbotgw/internal/config"
	"github.com/bdobrica/nbotgw/internal/llm"
	"github.com/bdobrica/nbotgw/internal/plugin/codec"
	"github.com/bdobrica/nbotgw/internal/plugin/manager"
	"github.com/bdobrica/nbotgw/internal/plugin/market"
	"github.com/bdobrica/nbotgw/internal/plugin/output"
	"github.com/bdobrica/nbotgw/internal/plugin/registry"
	"github.com/bdobrica/nbotgw/internal/router"
	"github.com/bdobrica/nbotgw/internal/store"
)

type appConfig struct {
	dataDir           string
	dbPath            string
	seedDir           string
	marketBaseURL     string
	marketBootstrap   bool
	forceUpdate       bool
	devAllowUnsigned  bool
	officialTrustRoot string
	commandPrefix     string
	llmBaseURL        string
	llmAPIKey         string
	llmMaxRequestSize int
	tavilyAPIKey      string
}

// loadTrustRoot decodes a hex-encoded Ed25519 public key, or returns nil
// when hexKey is empty or malformed (market sync then falls back to the
// allow-unsigned policy).
func loadTrustRoot(hexKey string) ed25519.PublicKey {
	if hexKey == "" {
		return nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		slog.Warn("OFFICIAL_TRUST_ROOT is not a valid hex-encoded ed25519 public key, ignoring")
		return nil
	}
	return ed25519.PublicKey(raw)
}

func main() {
	slog.SetDefault(slog.New(redact.NewHandler(slog.NewTextHandler(os.Stderr, nil))))

	fmt.Println("nbotgw plugin host")
	fmt.Println("Version:", version.Info())

	cfg := loadConfig()

	masterKey, err := crypto.LoadMasterKey()
	if err != nil {
		slog.Error("failed to load master key", "error", err)
		os.Exit(1)
	}
	_ = masterKey // reserved for secret-bearing config values once the control plane wires them in

	db, err := store.New(cfg.dbPath)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cfgStore := config.New(db)
	if prefix, err := cfgStore.Get(context.Background(), "command_prefix"); err == nil && prefix != "" {
		cfg.commandPrefix = prefix
	}

	reg, err := registry.Open(filepath.Join(cfg.dataDir, "state", "plugins.json"))
	if err != nil {
		slog.Error("failed to open plugin registry", "error", err)
		os.Exit(1)
	}

	if cfg.seedDir != "" {
		if err := reg.ReconcileSeeds(cfg.seedDir); err != nil {
			slog.Error("seed reconciliation failed", "error", err)
		}
	}

	mgr := manager.New(reg, filepath.Join(cfg.dataDir, "data"))
	defer mgr.Stop()

	if cfg.marketBaseURL != "" {
		policy := codec.VerificationPolicy{
			TrustRoot:     loadTrustRoot(cfg.officialTrustRoot),
			AllowUnsigned: cfg.devAllowUnsigned,
		}
		client := market.New(cfg.marketBaseURL)
		syncer := market.NewSyncer(client, reg, mgr, policy, filepath.Join(cfg.dataDir, "plugins"), cfg.forceUpdate)
		if cfg.marketBootstrap {
			if err := syncer.Bootstrap(context.Background()); err != nil {
				slog.Error("market bootstrap failed", "error", err)
			}
		}
	}

	for _, p := range reg.ListEnabled() {
		if err := mgr.Load(p.Manifest.ID); err != nil {
			slog.Error("failed to load plugin", "plugin", p.Manifest.ID, "error", err)
		}
	}

	var llmClient *llm.Client
	var modelResolver llm.ModelResolver
	if cfg.llmBaseURL != "" {
		llmClient = llm.New(cfg.llmBaseURL, cfg.llmAPIKey, cfg.llmMaxRequestSize)
		llmClient.TavilyAPIKey = cfg.tavilyAPIKey
		modelResolver = &llm.ConfigModelResolver{
			Store: cfgStore,
			Default: llm.LlmConfig{
				BaseURL:         cfg.llmBaseURL,
				APIKey:          cfg.llmAPIKey,
				MaxRequestBytes: cfg.llmMaxRequestSize,
			},
		}
	}

	// Platform has no concrete implementation in this repository (spec.md
	// §1): the embedding process supplies one once it wires up a chat
	// platform connection.
	proc := &output.Processor{LLM: llmClient, Models: modelResolver, Callback: mgr}

	rt := &router.Router{
		Hooks:    mgr,
		Commands: &router.RegistryCommands{Registry: reg},
		Output:   proc,
		Prefix:   cfg.commandPrefix,
	}
	_ = rt // wired for the embedding process to call Route on as events arrive

	slog.Info("nbotgw core ready", "loaded_plugins", len(reg.ListEnabled()), "command_prefix", cfg.commandPrefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	slog.Info("shutting down")
}

func loadConfig() appConfig {
	return appConfig{
		dataDir:           environment.StringOr("DATA_DIR", "./data"),
		dbPath:            environment.StringOr("DATABASE_PATH", "./nbotgw.db"),
		seedDir:           environment.StringOr("SEED_DIR", ""),
		marketBaseURL:     environment.StringOr("MARKET_BASE_URL", ""),
		marketBootstrap:   environment.BoolOr("MARKET_BOOTSTRAP", false),
		forceUpdate:       environment.BoolOr("MARKET_FORCE_UPDATE", false),
		devAllowUnsigned:  environment.BoolOr("DEV_ALLOW_UNSIGNED", false),
		officialTrustRoot: environment.StringOr("OFFICIAL_TRUST_ROOT", ""),
		commandPrefix:     environment.StringOr("COMMAND_PREFIX", "/"),
		llmBaseURL:        environment.StringOr("LLM_BASE_URL", ""),
		llmAPIKey:         environment.StringOr("LLM_API_KEY", ""),
		llmMaxRequestSize: environment.IntOr("LLM_MAX_REQUEST_BYTES", 0),
		tavilyAPIKey:      environment.StringOr("TAVILY_API_KEY", ""),
	}
}
