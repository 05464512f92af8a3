package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Version is the node version string.
const Version = "0.1.0"

// ErrVersion is returned by ParseFlags when --version was requested.
var ErrVersion = errors.New("version requested")

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// P2P
	P2P     bool
	P2PPort int
	Seeds   string

	// RPC
	RPC        bool
	RPCAddr    string
	RPCPort    int
	RPCAllowed string
	RPCCORS    string

	// Authorship
	Sealing   string
	BlockTime time.Duration
	AuthorKey string
	DevKey    bool

	// Connect
	TrustFinality bool
	RequireSeal   bool
	Authorities   string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	Metrics bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetP2P           bool
	SetRPC           bool
	SetDevKey        bool
	SetTrustFinality bool
	SetRequireSeal   bool
	SetLogJSON       bool
	SetMetrics       bool
}

// ParseFlags parses command-line arguments, not including the program name.
// It returns flag.ErrHelp for --help and ErrVersion for --version.
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("metachaind", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// Commands
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (dev or local)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// P2P
	fs.BoolVar(&f.P2P, "p2p", false, "Enable block gossip")
	fs.IntVar(&f.P2PPort, "p2p-port", 0, "P2P listen port")
	fs.StringVar(&f.Seeds, "seeds", "", "Seed nodes as comma-separated libp2p multiaddrs")

	// RPC
	fs.BoolVar(&f.RPC, "rpc", true, "Enable RPC server")
	fs.StringVar(&f.RPCAddr, "rpc-addr", "", "RPC listen address")
	fs.IntVar(&f.RPCPort, "rpc-port", 0, "RPC listen port")
	fs.StringVar(&f.RPCAllowed, "rpc-allowed", "", "Allowed IPs for RPC")
	fs.StringVar(&f.RPCCORS, "rpc-cors", "", "Allowed CORS origins for RPC (comma-separated)")

	// Authorship
	fs.StringVar(&f.Sealing, "sealing", "", "Sealing mode: manual, instant or interval")
	fs.DurationVar(&f.BlockTime, "block-time", 0, "Block period for interval sealing")
	fs.StringVar(&f.AuthorKey, "author-key", "", "Path to the author private key (hex)")
	fs.BoolVar(&f.DevKey, "dev-key", false, "Seal with the well-known dev key")

	// Connect
	fs.BoolVar(&f.TrustFinality, "trust-finality", true, "Finalize connected blocks")
	fs.BoolVar(&f.RequireSeal, "require-seal", false, "Reject unsealed blocks")
	fs.StringVar(&f.Authorities, "authorities", "", "Authority public keys (comma-separated hex)")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.BoolVar(&f.Metrics, "metrics", true, "Serve Prometheus metrics on the RPC port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			f.Help = true
		}
		return f, err
	}
	if f.Version {
		return f, ErrVersion
	}

	f.SetP2P = isFlagSet(fs, "p2p")
	f.SetRPC = isFlagSet(fs, "rpc")
	f.SetDevKey = isFlagSet(fs, "dev-key")
	f.SetTrustFinality = isFlagSet(fs, "trust-finality")
	f.SetRequireSeal = isFlagSet(fs, "require-seal")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.SetMetrics = isFlagSet(fs, "metrics")

	f.Args = fs.Args()

	// A positional argument stops the parser; anything after it is lost.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return f, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Node.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.Node.DataDir = f.DataDir
	}

	// P2P
	if f.SetP2P {
		cfg.P2P.Enabled = f.P2P
	}
	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}

	// RPC
	if f.SetRPC {
		cfg.RPC.Enabled = f.RPC
	}
	if f.RPCAddr != "" {
		cfg.RPC.Addr = f.RPCAddr
	}
	if f.RPCPort != 0 {
		cfg.RPC.Port = f.RPCPort
	}
	if f.RPCAllowed != "" {
		cfg.RPC.AllowedIPs = parseStringList(f.RPCAllowed)
	}
	if f.RPCCORS != "" {
		cfg.RPC.CORSOrigins = parseStringList(f.RPCCORS)
	}

	// Authorship
	if f.Sealing != "" {
		cfg.Authorship.Sealing = f.Sealing
	}
	if f.BlockTime != 0 {
		cfg.Authorship.BlockTime = f.BlockTime
	}
	if f.AuthorKey != "" {
		cfg.Authorship.AuthorKey = f.AuthorKey
		cfg.Authorship.DevKey = false
	}
	if f.SetDevKey {
		cfg.Authorship.DevKey = f.DevKey
	}

	// Connect
	if f.SetTrustFinality {
		cfg.Connect.TrustFinality = f.TrustFinality
	}
	if f.SetRequireSeal {
		cfg.Connect.RequireSeal = f.RequireSeal
	}
	if f.Authorities != "" {
		cfg.Connect.Authorities = parseStringList(f.Authorities)
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}

	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// PrintUsage writes the help text to w.
func PrintUsage(w io.Writer) {
	usage := `Metachain - manually sealed block production node

Usage:
  metachaind [options]
  metachaind --help

Commands:
  --help, -h        Show this help message
  --version, -v     Show version information

Core Options:
  --network         Network type: dev (default) or local
  --datadir         Data directory (default: ~/.metachain)
  --config, -c      Config file path (default: <datadir>/metachain.conf)

P2P Options:
  --p2p             Enable block gossip (dev: false, local: true)
  --p2p-port        P2P listen port (dev: 30333, local: 30334)
  --seeds           Seed nodes as comma-separated libp2p multiaddrs

RPC Options:
  --rpc             Enable RPC server (default: true)
  --rpc-addr        RPC listen address (default: 127.0.0.1)
  --rpc-port        RPC port (dev: 9944, local: 9945)
  --rpc-allowed     Allowed IPs for RPC (comma-separated)
  --rpc-cors        Allowed CORS origins for RPC (comma-separated)
  --metrics         Serve Prometheus metrics at /metrics (default: true)

Authorship Options:
  --sealing         manual (default), instant or interval
  --block-time      Block period for interval sealing (default: 6s)
  --author-key      Path to the author private key (hex)
  --dev-key         Seal with the well-known dev key (dev default)

Connect Options:
  --trust-finality  Finalize blocks handed in via connect (default: true)
  --require-seal    Reject blocks without a seal
  --authorities     Authority public keys (comma-separated hex)

Logging Options:
  --log-level       Log level: debug, info, warn, error (default: info)
  --log-file        Log file path (default: stdout)
  --log-json        Output logs as JSON

Examples:
  # Dev node, blocks on demand over RPC
  metachaind

  # Dev node sealing every pending extrinsic
  metachaind --sealing=instant

  # Local node gossiping with a seed
  metachaind --network=local --seeds=/ip4/127.0.0.1/tcp/30334/p2p/12D3KooW...
`
	fmt.Fprint(w, usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
//
// For --help and --version it returns the parsed flags with flag.ErrHelp
// or ErrVersion.
func Load(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if err != nil {
		return nil, flags, err
	}

	// Determine network first (needed for defaults)
	network := Dev
	if strings.EqualFold(flags.Network, string(Local)) {
		network = Local
	}

	cfg := Default(network)
	if flags.DataDir != "" {
		cfg.Node.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, flags, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	file, err := LoadFile(configPath)
	if err != nil {
		return nil, flags, fmt.Errorf("loading config file: %w", err)
	}
	dataDir := cfg.Node.DataDir
	if err := ApplyFileConfig(cfg, file); err != nil {
		return nil, flags, fmt.Errorf("applying config file: %w", err)
	}
	if cfg.Node.DataDir == "" {
		cfg.Node.DataDir = dataDir
	}

	// Flags have the highest precedence.
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, flags, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.Node.DataDir,
		cfg.ChainDataDir(),
		cfg.BlocksDir(),
		cfg.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Node.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}
