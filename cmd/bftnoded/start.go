package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/echenim/bftnode/internal/config"
	"github.com/echenim/bftnode/internal/crypto"
	"github.com/echenim/bftnode/internal/node"
	"github.com/echenim/bftnode/internal/telemetry"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the node",
		RunE:  runStart,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("config", "", "path to config file (default: <home>/config.toml)")
	cmd.Flags().String("genesis", "", "path to genesis file (default: <home>/<consensus.genesis_path>)")
	cmd.Flags().String("log-level", "development", "log level: development or production")

	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	homeDir, _ := cmd.Flags().GetString("home")
	logLevel, _ := cmd.Flags().GetString("log-level")

	logger, err := telemetry.NewLogger(logLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = filepath.Join(homeDir, "config.toml")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Resolve paths relative to home dir.
	if !filepath.IsAbs(cfg.Storage.DBPath) {
		cfg.Storage.DBPath = filepath.Join(homeDir, cfg.Storage.DBPath)
	}
	if !filepath.IsAbs(cfg.Execution.WASMPath) {
		cfg.Execution.WASMPath = filepath.Join(homeDir, cfg.Execution.WASMPath)
	}

	privKey, err := loadNodeKey(filepath.Join(homeDir, "node_key.json"))
	if err != nil {
		return fmt.Errorf("load node key: %w", err)
	}

	genesisPath, _ := cmd.Flags().GetString("genesis")
	if genesisPath == "" {
		genesisPath = cfg.Consensus.GenesisPath
	}
	if !filepath.IsAbs(genesisPath) {
		genesisPath = filepath.Join(homeDir, genesisPath)
	}

	gen, err := config.LoadGenesis(genesisPath)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}
	if gen.ChainID != cfg.ChainID {
		return fmt.Errorf("genesis chain_id %q does not match config chain_id %q", gen.ChainID, cfg.ChainID)
	}

	committee, err := gen.ToCommittee()
	if err != nil {
		return fmt.Errorf("build committee from genesis: %w", err)
	}

	n, err := node.NewNode(cfg, privKey, committee, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	fmt.Println("node started, press Ctrl+C to stop")

	<-ctx.Done()
	fmt.Println("\nshutdown signal received...")

	return n.Stop()
}

func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config.DefaultConfig(), nil
		}
		return nil, err
	}

	cfg := config.DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// nodeKeyFile is the on-disk JSON form of a replica's Ed25519 keypair.
type nodeKeyFile struct {
	PrivateKey []byte `json:"private_key"`
	PublicKey  []byte `json:"public_key"`
}

func loadNodeKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node key: %w", err)
	}

	var kf nodeKeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse node key: %w", err)
	}

	return crypto.PrivateKey(kf.PrivateKey), nil
}
