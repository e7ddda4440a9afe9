package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/spvwallet/internal/backend"
	"github.com/klingon-exchange/spvwallet/internal/walletcore"
	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

// Config is the daemon's on-disk configuration.
type Config struct {
	Backend backend.Config    `yaml:"backend"`
	FeedURL string            `yaml:"feed_url"`
	Wallet  walletcore.Config `yaml:"wallet"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DefaultDaemonConfig returns the configuration used when no file exists.
func DefaultDaemonConfig() *Config {
	cfg := &Config{
		Backend: *backend.DefaultConfig(),
		Wallet:  walletcore.DefaultConfig(),
	}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = string(logging.FormatText)
	return cfg
}

// ConfigPath returns the config file location inside a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// LoadConfig reads config.yaml from dataDir, writing the defaults there
// first if no file exists yet.
func LoadConfig(dataDir string) (*Config, error) {
	path := ConfigPath(dataDir)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultDaemonConfig()
		if err := writeConfig(cfg, path); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultDaemonConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func writeConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
