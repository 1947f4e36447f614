// Package config loads the TOML configuration file shared by the server
// and client binaries. Unknown keys are rejected in strict mode (the
// default) so a typo in a config file fails fast instead of silently
// being ignored.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Network holds the listen/dial address shared by client and server.
type Network struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Crypto selects and configures the handshake mode.
type Crypto struct {
	Mode           string `toml:"mode"` // "pubkey" or "password"
	KeyFile        string `toml:"key_file"`
	ServerKey      string `toml:"server_key"`
	ClientKeysFile string `toml:"client_keys_file"`
	Password       string `toml:"password"`
	NoEncrypt      bool   `toml:"no_encrypt"`
}

// Audio holds jitter buffer and codec tuning.
type Audio struct {
	JitterThresholdSamples int `toml:"jitter_threshold_samples"`
	RingCapacitySamples    int `toml:"ring_capacity_samples"`
}

// Palette configures the ASCII renderer's character ramp.
type Palette struct {
	Ramp string `toml:"ramp"`
}

// Logging controls verbosity. Level is one of "debug", "info", "warn",
// "error"; Load stores the value as given and does not validate it.
type Logging struct {
	Level string `toml:"level"`
}

// Server holds server-only settings.
type Server struct {
	MaxClients             int `toml:"max_clients"`
	HandshakeBudgetSeconds int `toml:"handshake_budget_seconds"`
}

// Client holds client-only settings.
type Client struct {
	DisplayName string `toml:"display_name"`
}

// Config is the full parsed configuration file.
type Config struct {
	Network Network `toml:"network"`
	Crypto  Crypto  `toml:"crypto"`
	Audio   Audio   `toml:"audio"`
	Palette Palette `toml:"palette"`
	Logging Logging `toml:"logging"`
	Server  Server  `toml:"server"`
	Client  Client  `toml:"client"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Network: Network{Address: "0.0.0.0", Port: 4433},
		Crypto:  Crypto{Mode: "pubkey"},
		Audio:   Audio{JitterThresholdSamples: 2048, RingCapacitySamples: 16384},
		Palette: Palette{Ramp: " .:-=+*#%@"},
		Logging: Logging{Level: "info"},
		Server:  Server{MaxClients: 64, HandshakeBudgetSeconds: 10},
	}
}

// Load reads and parses the TOML file at path into a Config seeded with
// defaults. In strict mode (the default), any key in the file that the
// Config struct does not recognize is an error.
func Load(path string, strict bool) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if strict {
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config: %s: unknown key %q", path, undecoded[0].String())
		}
	}
	return cfg, nil
}

// LoadIfExists behaves like Load, but returns the defaults (no error) when
// path does not exist at all, so a missing config file is not fatal.
func LoadIfExists(path string, strict bool) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path, strict)
}
