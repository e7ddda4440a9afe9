// Package main provides the spvwalletd daemon - a minimal SPV wallet node.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/klingon-exchange/spvwallet/internal/backend"
	"github.com/klingon-exchange/spvwallet/internal/chain"
	"github.com/klingon-exchange/spvwallet/internal/chainfeed"
	"github.com/klingon-exchange/spvwallet/internal/keyrotation"
	"github.com/klingon-exchange/spvwallet/internal/wallet"
	"github.com/klingon-exchange/spvwallet/internal/walletcore"
	"github.com/klingon-exchange/spvwallet/pkg/helpers"
	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir      = flag.String("data-dir", "~/.spvwallet", "Data directory")
		testnet      = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		backendURL   = flag.String("backend", "", "Backend REST API base URL (default: mempool.space)")
		feedURL      = flag.String("feed", "", "Websocket block feed URL (default: derived from backend)")
		passwordFile = flag.String("password-file", "", "File containing the wallet password")
		createWith   = flag.String("create", "", "Create a new wallet from this mnemonic (use \"new\" to generate one)")
		rotateBefore = flag.String("rotate-before", "", "Sweep funds controlled by keys created before this RFC3339 time")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion  = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("spvwalletd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	network := chain.Mainnet
	effectiveDataDir := *dataDir
	if *testnet {
		network = chain.Testnet
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	// Load or create the config file; CLI flags take precedence.
	cfg, err := LoadConfig(expandHome(effectiveDataDir))
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *logLevel != "info" {
		cfg.Logging.Level = *logLevel
	}
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Format:     logging.Format(cfg.Logging.Format),
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", ConfigPath(expandHome(effectiveDataDir)))

	password, err := readPassword(*passwordFile)
	if err != nil {
		log.Fatal("Failed to read password", "error", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Build the backend
	backendCfg := cfg.Backend
	if *backendURL != "" {
		backendCfg.MainnetURL = *backendURL
		backendCfg.TestnetURL = *backendURL
	}
	api, err := backend.New(&backendCfg, network)
	if err != nil {
		log.Fatal("Failed to build backend", "error", err)
	}
	if err := api.Connect(ctx); err != nil {
		log.Warn("Backend not reachable yet, continuing", "error", err)
	}

	// Build the wallet service
	svc, err := wallet.NewService(&wallet.ServiceConfig{
		DataDir: effectiveDataDir,
		Network: network,
		Core:    cfg.Wallet,
		Backend: api,
		Logger:  log,
	})
	if err != nil {
		log.Fatal("Failed to open wallet", "error", err)
	}
	defer svc.Close()

	// Create or load
	switch {
	case *createWith != "":
		mnemonic := *createWith
		if mnemonic == "new" {
			mnemonic, err = svc.GenerateMnemonic()
			if err != nil {
				log.Fatal("Failed to generate mnemonic", "error", err)
			}
			log.Info("Generated new wallet mnemonic - write it down", "mnemonic", mnemonic)
		}
		if err := svc.CreateWallet(mnemonic, "", password); err != nil {
			log.Fatal("Failed to create wallet", "error", err)
		}
	default:
		if !svc.HasWallet() {
			log.Fatal("No wallet found; run with -create new (or -create \"<mnemonic>\")")
		}
		if err := svc.LoadWallet(password); err != nil {
			log.Fatal("Failed to load wallet", "error", err)
		}
	}

	addr, err := svc.ReceiveAddress()
	if err != nil {
		log.Fatal("Failed to derive receive address", "error", err)
	}
	log.Info("Wallet ready", "network", network, "receive_address", addr)

	// Catch up against the chain
	if api.IsConnected() {
		if err := svc.CatchUp(ctx); err != nil {
			log.Warn("Catch-up scan failed", "error", err)
		}
		available, _ := svc.Balance(walletcore.BalanceAvailable)
		estimated, _ := svc.Balance(walletcore.BalanceEstimated)
		log.Info("Balances",
			"available", helpers.SatoshisToBTC(uint64(available)),
			"estimated", helpers.SatoshisToBTC(uint64(estimated)))
	}

	// Block feed keeps confirmations moving
	feedEndpoint := *feedURL
	if feedEndpoint == "" {
		feedEndpoint = cfg.FeedURL
	}
	feed := chainfeed.New(resolveFeedURL(feedEndpoint, *backendURL, network), svc.Core(), log)
	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Block feed stopped", "error", err)
			cancel()
		}
	}()

	// Optional key rotation sweep loop
	if *rotateBefore != "" {
		cutoff, err := time.Parse(time.RFC3339, *rotateBefore)
		if err != nil {
			log.Fatal("Invalid -rotate-before time", "error", err)
		}
		maintainer := keyrotation.New(svc.Core(), keyrotation.Config{FeePerKb: 1000},
			keyrotation.WithLogger(log),
		)
		stop := make(chan struct{})
		defer close(stop)
		go maintainer.Run(stop, time.Hour, func() time.Time { return cutoff })
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	if err := svc.SaveNow(); err != nil {
		log.Error("Final save failed", "error", err)
	}
	api.Close()
}

// expandHome expands a leading ~ so the config loader sees a real path.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// readPassword reads the wallet password from a file, or from the
// SPVWALLET_PASSWORD environment variable if no file is given.
func readPassword(path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	return os.Getenv("SPVWALLET_PASSWORD"), nil
}

// resolveFeedURL picks the websocket feed endpoint: explicit flag, derived
// from a custom backend, or the public mempool.space feed.
func resolveFeedURL(feedURL, backendURL string, network chain.Network) string {
	if feedURL != "" {
		return feedURL
	}
	if backendURL != "" {
		ws := strings.Replace(backendURL, "https://", "wss://", 1)
		ws = strings.Replace(ws, "http://", "ws://", 1)
		return strings.TrimSuffix(ws, "/api") + "/api/v1/ws"
	}
	if network == chain.Testnet {
		return "wss://mempool.space/testnet4/api/v1/ws"
	}
	return "wss://mempool.space/api/v1/ws"
}
