package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/echenim/bftnode/internal/types"
)

// GenesisDoc defines the initial committee of a chain. Replicas carry
// equal voting power; there is no staking or power-weighting in this
// model, only committee membership.
type GenesisDoc struct {
	ChainID     string            `json:"chain_id"`
	GenesisTime time.Time         `json:"genesis_time"`
	Committee   []GenesisReplica  `json:"committee"`
}

// GenesisReplica describes one committee member in the genesis document.
type GenesisReplica struct {
	PubKey string `json:"pub_key"`
	Name   string `json:"name"`
}

// LoadGenesis reads and validates a genesis file from the given path.
func LoadGenesis(path string) (*GenesisDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read file: %w", err)
	}

	var gen GenesisDoc
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("genesis: parse JSON: %w", err)
	}

	if err := gen.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	return &gen, nil
}

// Validate checks the genesis document for structural validity.
func (g *GenesisDoc) Validate() error {
	if g.ChainID == "" {
		return errors.New("chain_id must not be empty")
	}
	if g.GenesisTime.IsZero() {
		return errors.New("genesis_time must not be zero")
	}
	if len(g.Committee) == 0 {
		return errors.New("must have at least one committee member")
	}

	seen := make(map[string]bool, len(g.Committee))
	for i, r := range g.Committee {
		if r.PubKey == "" {
			return fmt.Errorf("committee member %d: pub_key must not be empty", i)
		}
		raw, err := hex.DecodeString(r.PubKey)
		if err != nil {
			return fmt.Errorf("committee member %d: invalid pub_key hex: %w", i, err)
		}
		if len(raw) != types.PublicKeySize {
			return fmt.Errorf("committee member %d: pub_key must be %d bytes, got %d", i, types.PublicKeySize, len(raw))
		}
		if seen[r.PubKey] {
			return fmt.Errorf("committee member %d: duplicate pub_key %s", i, r.PubKey)
		}
		seen[r.PubKey] = true
	}

	return nil
}

// ToCommittee converts the genesis committee to a runtime types.Committee,
// in genesis file order — the order every replica's leader-election
// rotation depends on agreeing on.
func (g *GenesisDoc) ToCommittee() (*types.Committee, error) {
	members := make([]types.PublicKey, len(g.Committee))
	for i, r := range g.Committee {
		raw, err := hex.DecodeString(r.PubKey)
		if err != nil {
			return nil, fmt.Errorf("committee member %d: %w", i, err)
		}
		var pk types.PublicKey
		copy(pk[:], raw)
		members[i] = pk
	}
	return types.NewCommittee(members)
}
