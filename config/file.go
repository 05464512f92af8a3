package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// sections maps config file sections to the structs they fill.
func (c *Config) sections() []struct {
	name string
	ptr  any
} {
	return []struct {
		name string
		ptr  any
	}{
		{"node", &c.Node},
		{"log", &c.Log},
		{"rpc", &c.RPC},
		{"p2p", &c.P2P},
		{"authorship", &c.Authorship},
		{"connect", &c.Connect},
		{"mempool", &c.Mempool},
		{"metrics", &c.Metrics},
	}
}

// LoadFile loads an INI config file. A missing file yields an empty one.
func LoadFile(path string) (*ini.File, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ini.Empty(), nil
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ApplyFileConfig overlays the values present in f onto cfg. Keys missing
// from the file keep their current value; unknown keys are ignored.
func ApplyFileConfig(cfg *Config, f *ini.File) error {
	for _, s := range cfg.sections() {
		if !f.HasSection(s.name) {
			continue
		}
		if err := f.Section(s.name).StrictMapTo(s.ptr); err != nil {
			return fmt.Errorf("config section [%s]: %w", s.name, err)
		}
	}
	return nil
}

// WriteConfig writes cfg as an INI file.
func WriteConfig(path string, cfg *Config) error {
	f := ini.Empty()
	for _, s := range cfg.sections() {
		if err := f.Section(s.name).ReflectFrom(s.ptr); err != nil {
			return fmt.Errorf("config section [%s]: %w", s.name, err)
		}
	}
	f.Section("node").Comment = "Metachain node configuration. Command-line flags take precedence."
	return f.SaveTo(path)
}

// WriteDefaultConfig writes a starter config for network. Only the network
// and log level are pinned so network defaults keep applying.
func WriteDefaultConfig(path string, network NetworkType) error {
	cfg := Default(network)
	f := ini.Empty()
	node := f.Section("node")
	node.Comment = "Metachain node configuration. Command-line flags take precedence."
	node.Key("network").SetValue(string(network))
	f.Section("log").Key("level").SetValue(cfg.Log.Level)
	f.Section("authorship").Key("sealing").SetValue(cfg.Authorship.Sealing)
	return f.SaveTo(path)
}
