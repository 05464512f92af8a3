package config

import "time"

// DefaultDev returns the default node configuration for a dev chain.
func DefaultDev() *Config {
	return &Config{
		Node: NodeConfig{
			Network: Dev,
			DataDir: DefaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       9944,
			AllowedIPs: []string{"127.0.0.1"},
		},
		P2P: P2PConfig{
			Enabled:    false,
			ListenAddr: "0.0.0.0",
			Port:       30333,
			MaxPeers:   25,
			DHT:        true,
			MDNS:       true,
		},
		Authorship: AuthorshipConfig{
			Sealing:            SealingManual,
			BlockTime:          6 * time.Second,
			SlotDuration:       6 * time.Second,
			ChannelCapacity:    1000,
			MaxBlockExtrinsics: 1000,
			DevKey:             true,
		},
		Connect: ConnectConfig{
			TrustFinality: true,
		},
		Mempool: MempoolConfig{
			MaxSize:          5000,
			MaxExtrinsicSize: 64 * 1024,
			MaxAge:           time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// DefaultLocal returns the default node configuration for a local multi-node chain.
func DefaultLocal() *Config {
	cfg := DefaultDev()
	cfg.Node.Network = Local
	cfg.P2P.Enabled = true
	cfg.RPC.Port = 9945
	cfg.P2P.Port = 30334
	cfg.Authorship.DevKey = false
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Local:
		return DefaultLocal()
	default:
		return DefaultDev()
	}
}
