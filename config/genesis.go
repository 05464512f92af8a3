package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Genesis describes the genesis block. Every node of a chain must use the
// same values.
type Genesis struct {
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	// Timestamp is the genesis mock timestamp in milliseconds.
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`
}

// DevGenesis returns the genesis of the dev chain.
func DevGenesis() *Genesis {
	return &Genesis{
		ChainID:   "metachain-dev",
		ChainName: "Metachain Dev",
		Timestamp: 1_700_000_000_000,
	}
}

// LocalGenesis returns the genesis of the local chain.
func LocalGenesis() *Genesis {
	return &Genesis{
		ChainID:   "metachain-local",
		ChainName: "Metachain Local",
		Timestamp: 1_700_000_000_000,
	}
}

// GenesisFor returns the built-in genesis for network.
func GenesisFor(network NetworkType) *Genesis {
	if network == Local {
		return LocalGenesis()
	}
	return DevGenesis()
}

// LoadGenesis reads a genesis JSON file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse genesis: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks that the genesis is usable.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("genesis chain_id is empty")
	}
	if len(g.ExtraData) > 256 {
		return fmt.Errorf("genesis extra_data exceeds 256 bytes")
	}
	return nil
}
