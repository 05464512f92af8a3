package config

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// compressedKeySize is the length of a compressed secp256k1 public key.
const compressedKeySize = 33

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Node.Network != Dev && cfg.Node.Network != Local {
		return fmt.Errorf("network must be %q or %q", Dev, Local)
	}
	if cfg.Node.DataDir == "" {
		return fmt.Errorf("datadir is empty")
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	a := &cfg.Authorship
	switch a.Sealing {
	case SealingManual, SealingInstant:
	case SealingInterval:
		if a.BlockTime <= 0 {
			return fmt.Errorf("authorship.block_time must be positive for interval sealing")
		}
	default:
		return fmt.Errorf("authorship.sealing must be manual, instant or interval")
	}
	if a.SlotDuration <= 0 {
		return fmt.Errorf("authorship.slot_duration must be positive")
	}
	if a.ChannelCapacity <= 0 {
		return fmt.Errorf("authorship.channel_capacity must be positive")
	}
	if a.MaxBlockExtrinsics <= 0 {
		return fmt.Errorf("authorship.max_block_extrinsics must be positive")
	}
	if a.AuthorKey != "" && a.AuthorMnemonic != "" {
		return fmt.Errorf("set only one of authorship.author_key and authorship.author_mnemonic")
	}
	if a.AuthorKey != "" || a.AuthorMnemonic != "" {
		// An explicit key replaces the dev key default.
		a.DevKey = false
	}

	if err := validateAuthorities(cfg.Connect.Authorities); err != nil {
		return err
	}

	if cfg.Mempool.MaxSize <= 0 {
		return fmt.Errorf("mempool.max_size must be positive")
	}
	if cfg.Mempool.MaxExtrinsicSize <= 0 {
		return fmt.Errorf("mempool.max_extrinsic_size must be positive")
	}
	return nil
}

// validateAuthorities normalizes the keys to lowercase hex in place.
func validateAuthorities(keys []string) error {
	seen := make(map[string]struct{}, len(keys))
	for i, k := range keys {
		s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(k)), "0x")
		b, err := hex.DecodeString(s)
		if err != nil || len(b) != compressedKeySize {
			return fmt.Errorf("connect.authorities[%d] must be a 33-byte hex public key", i)
		}
		if _, ok := seen[s]; ok {
			return fmt.Errorf("connect.authorities has duplicate key %q", s)
		}
		seen[s] = struct{}{}
		keys[i] = s
	}
	return nil
}

// AuthorityKeys returns the decoded authority public keys. Call after Validate.
func (c *Config) AuthorityKeys() [][]byte {
	keys := make([][]byte, 0, len(c.Connect.Authorities))
	for _, k := range c.Connect.Authorities {
		if b, err := hex.DecodeString(k); err == nil {
			keys = append(keys, b)
		}
	}
	return keys
}
