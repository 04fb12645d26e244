package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LoadFile reads and parses a TOML config file, applies environment variable
// overrides, and validates the result.
// Config precedence: environment variables override the file, which
// overrides the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse TOML: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies BFTNODE_* environment variable overrides.
// Env var format: BFTNODE_<SECTION>_<FIELD> (e.g., BFTNODE_P2P_LISTEN_ADDR).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BFTNODE_MONIKER"); v != "" {
		cfg.Moniker = v
	}
	if v := os.Getenv("BFTNODE_CHAIN_ID"); v != "" {
		cfg.ChainID = v
	}

	// Consensus.
	if v := os.Getenv("BFTNODE_CONSENSUS_TIMEOUT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Consensus.TimeoutDelay = Duration{d}
		}
	}
	if v := os.Getenv("BFTNODE_CONSENSUS_SYNC_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Consensus.SyncRetryDelay = Duration{d}
		}
	}
	if v := os.Getenv("BFTNODE_CONSENSUS_MAX_BLOCK_GAS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Consensus.MaxBlockGas = n
		}
	}
	if v := os.Getenv("BFTNODE_CONSENSUS_GENESIS_PATH"); v != "" {
		cfg.Consensus.GenesisPath = v
	}

	// P2P.
	if v := os.Getenv("BFTNODE_P2P_LISTEN_ADDR"); v != "" {
		cfg.P2P.ListenAddr = v
	}
	if v := os.Getenv("BFTNODE_P2P_SEEDS"); v != "" {
		cfg.P2P.Seeds = strings.Split(v, ",")
	}
	if v := os.Getenv("BFTNODE_P2P_MAX_PEERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.P2P.MaxPeers = n
		}
	}

	// Storage.
	if v := os.Getenv("BFTNODE_STORAGE_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("BFTNODE_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}

	// RPC.
	if v := os.Getenv("BFTNODE_RPC_ADDR"); v != "" {
		cfg.RPC.Addr = v
	}

	// Execution.
	if v := os.Getenv("BFTNODE_EXECUTION_WASM_PATH"); v != "" {
		cfg.Execution.WASMPath = v
	}
	if v := os.Getenv("BFTNODE_EXECUTION_GAS_LIMIT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Execution.GasLimit = n
		}
	}
	if v := os.Getenv("BFTNODE_EXECUTION_FUEL_LIMIT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Execution.FuelLimit = n
		}
	}

	// Telemetry.
	if v := os.Getenv("BFTNODE_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BFTNODE_TELEMETRY_ADDR"); v != "" {
		cfg.Telemetry.Addr = v
	}
}
