package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"gopkg.in/yaml.v3"

	"github.com/exonum/exonum-anchoring/anchoring"
	"github.com/exonum/exonum-anchoring/schema"
)

// AnchordConfig is the on-disk daemon configuration.
type AnchordConfig struct {
	DB       string `yaml:"db"`
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
	// SyncInterval is how often the recorded anchoring chain is pushed to
	// the Bitcoin network, as a Go duration string.
	SyncInterval string `yaml:"sync_interval"`

	Bitcoin struct {
		Host     string `yaml:"host"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"bitcoin"`

	Node struct {
		LectCheckInterval uint64 `yaml:"lect_check_interval"`
		// PrivateKeys maps anchoring addresses to WIF-encoded keys.
		PrivateKeys map[string]string `yaml:"private_keys"`
	} `yaml:"node"`

	Genesis GenesisConfig `yaml:"genesis"`
}

// GenesisConfig mirrors the stored configuration format, one field per knob.
type GenesisConfig struct {
	ValidatorKeys []string `yaml:"validator_keys" json:"validator_keys"`
	FundingTx     string   `yaml:"funding_tx" json:"funding_tx"`
	Fee           int64    `yaml:"fee" json:"fee"`
	Interval      uint64   `yaml:"interval" json:"interval"`
	Confirmations int64    `yaml:"confirmations" json:"confirmations"`
	Network       string   `yaml:"network" json:"network"`
}

// LoadConfig reads and validates the config file at path.
func LoadConfig(path string) (*AnchordConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &AnchordConfig{
		DB:           "anchoring.db",
		Listen:       ":8000",
		LogLevel:     "info",
		SyncInterval: "10m",
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Bitcoin.Host == "" {
		return nil, fmt.Errorf("missing bitcoin.host in %s", path)
	}
	if cfg.Genesis.Network == "" {
		return nil, fmt.Errorf("missing genesis.network in %s", path)
	}
	if _, err := schema.NetworkParams(cfg.Genesis.Network); err != nil {
		return nil, err
	}
	if _, err := time.ParseDuration(cfg.SyncInterval); err != nil {
		return nil, fmt.Errorf("sync_interval: %w", err)
	}
	return cfg, nil
}

// AnchoringConfig builds the genesis consensus configuration. The stored
// format is the JSON codec, so the yaml section round-trips through it.
func (c *AnchordConfig) AnchoringConfig() (*schema.Config, error) {
	raw, err := json.Marshal(c.Genesis)
	if err != nil {
		return nil, err
	}
	var cfg schema.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("genesis config: %w", err)
	}
	return &cfg, nil
}

// NodeConfig decodes the per-node private keys.
func (c *AnchordConfig) NodeConfig() (anchoring.NodeConfig, error) {
	node := anchoring.NodeConfig{LectCheckInterval: c.Node.LectCheckInterval}
	for address, encoded := range c.Node.PrivateKeys {
		wif, err := btcutil.DecodeWIF(encoded)
		if err != nil {
			return anchoring.NodeConfig{}, fmt.Errorf("private key for %s: %w", address, err)
		}
		node.AddPrivateKey(address, wif.PrivKey)
	}
	return node, nil
}
