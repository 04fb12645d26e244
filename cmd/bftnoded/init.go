package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/echenim/bftnode/internal/config"
	"github.com/echenim/bftnode/internal/crypto"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [moniker]",
		Short: "Initialize a new node home directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runInit,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("chain-id", "bftnode-devnet", "chain ID")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	moniker := args[0]
	homeDir, _ := cmd.Flags().GetString("home")
	chainID, _ := cmd.Flags().GetString("chain-id")

	dirs := []string{
		homeDir,
		filepath.Join(homeDir, "data"),
		filepath.Join(homeDir, "wasm"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	pubKey, privKey, err := crypto.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	keyPath := filepath.Join(homeDir, "node_key.json")
	if err := writeNodeKey(keyPath, privKey, pubKey); err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	cfg.Moniker = moniker
	cfg.ChainID = chainID
	configPath := filepath.Join(homeDir, "config.toml")
	if err := writeConfig(configPath, cfg); err != nil {
		return err
	}

	genesisPath := filepath.Join(homeDir, cfg.Consensus.GenesisPath)
	if err := writeGenesis(genesisPath, chainID, moniker, pubKey); err != nil {
		return err
	}

	addr := crypto.AddressFromPubKey(pubKey)
	nodeID := hex.EncodeToString(addr[:8])
	fmt.Printf("initialized node\n")
	fmt.Printf("  home:     %s\n", homeDir)
	fmt.Printf("  node id:  %s\n", nodeID)
	fmt.Printf("  chain:    %s\n", chainID)
	fmt.Printf("  moniker:  %s\n", moniker)
	fmt.Printf("\nstart with: bftnoded start --home %s\n", homeDir)

	return nil
}

func writeNodeKey(path string, privKey crypto.PrivateKey, pubKey crypto.PublicKey) error {
	kf := nodeKeyFile{
		PrivateKey: []byte(privKey),
		PublicKey:  []byte(pubKey),
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal node key: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write node key: %w", err)
	}

	return nil
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// writeGenesis writes a single-member genesis document naming pubKey as the
// sole committee member, for a development, single-replica chain. A real
// multi-replica chain's genesis is assembled out of band, by collecting
// every participant's generated node_key and merging their GenesisReplica
// entries into one file before any replica starts.
func writeGenesis(path, chainID, moniker string, pubKey crypto.PublicKey) error {
	gen := config.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: time.Now().UTC(),
		Committee: []config.GenesisReplica{
			{
				PubKey: hex.EncodeToString(pubKey),
				Name:   moniker,
			},
		},
	}

	data, err := json.MarshalIndent(gen, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}

	return nil
}
