// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Chain identity: defined in genesis, must match across all nodes
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies the network a node joins.
type NetworkType string

const (
	// Dev is a single-node development chain with a well-known author key.
	Dev NetworkType = "dev"
	// Local is a multi-node local chain.
	Local NetworkType = "local"
)

// Sealing modes.
const (
	SealingManual   = "manual"
	SealingInstant  = "instant"
	SealingInterval = "interval"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
type Config struct {
	Node       NodeConfig
	Log        LogConfig
	RPC        RPCConfig
	P2P        P2PConfig
	Authorship AuthorshipConfig
	Connect    ConnectConfig
	Mempool    MempoolConfig
	Metrics    MetricsConfig
}

// NodeConfig holds the [node] section.
type NodeConfig struct {
	Network NetworkType `ini:"network"`
	DataDir string      `ini:"datadir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `ini:"level"`
	File  string `ini:"file"`
	JSON  bool   `ini:"json"`
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `ini:"enabled"`
	Addr        string   `ini:"addr"`
	Port        int      `ini:"port"`
	AllowedIPs  []string `ini:"allowed_ips"`
	CORSOrigins []string `ini:"cors_origins"` // "*" allows all origins.
}

// P2PConfig holds block gossip settings.
type P2PConfig struct {
	Enabled    bool     `ini:"enabled"`
	ListenAddr string   `ini:"listen_addr"`
	Port       int      `ini:"port"`
	Seeds      []string `ini:"seeds"`
	MaxPeers   int      `ini:"max_peers"`
	DHT        bool     `ini:"dht"`
	DHTServer  bool     `ini:"dht_server"` // Run DHT in server mode (for seeds).
	MDNS       bool     `ini:"mdns"`
}

// AuthorshipConfig holds block authoring settings.
type AuthorshipConfig struct {
	Sealing            string        `ini:"sealing"`    // manual, instant or interval
	BlockTime          time.Duration `ini:"block_time"` // interval sealing period
	SlotDuration       time.Duration `ini:"slot_duration"`
	ChannelCapacity    int           `ini:"channel_capacity"`
	MaxBlockExtrinsics int           `ini:"max_block_extrinsics"`
	AuthorKey          string        `ini:"author_key"` // path to a hex private key file
	AuthorMnemonic     string        `ini:"author_mnemonic"`
	DevKey             bool          `ini:"dev_key"` // derive the author key from the dev mnemonic
}

// ConnectConfig holds the policy for blocks handed to the node from outside.
type ConnectConfig struct {
	TrustFinality bool     `ini:"trust_finality"`
	RequireSeal   bool     `ini:"require_seal"`
	Authorities   []string `ini:"authorities"` // hex compressed public keys
}

// MempoolConfig holds backlog settings.
type MempoolConfig struct {
	MaxSize          int           `ini:"max_size"`
	MaxExtrinsicSize int           `ini:"max_extrinsic_size"`
	MaxAge           time.Duration `ini:"max_age"`
}

// MetricsConfig holds the /metrics endpoint switch.
type MetricsConfig struct {
	Enabled bool `ini:"enabled"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.metachain
//	macOS:   ~/Library/Application Support/Metachain
//	Windows: %APPDATA%\Metachain
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".metachain"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Metachain")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Metachain")
		}
		return filepath.Join(home, "AppData", "Roaming", "Metachain")
	default:
		return filepath.Join(home, ".metachain")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.Node.DataDir, string(c.Node.Network))
}

// BlocksDir returns the block database directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Node.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.Node.DataDir, "metachain.conf")
}
