package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "asciiconf.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaultsForOmittedSections(t *testing.T) {
	path := writeTemp(t, `
[network]
port = 9000
`)
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.Port != 9000 {
		t.Fatalf("Port = %d, want 9000", cfg.Network.Port)
	}
	if cfg.Audio.JitterThresholdSamples != 2048 {
		t.Fatalf("JitterThresholdSamples = %d, want default 2048", cfg.Audio.JitterThresholdSamples)
	}
}

func TestLoadStrictRejectsUnknownKey(t *testing.T) {
	path := writeTemp(t, `
[network]
port = 9000
bogus_key = true
`)
	if _, err := Load(path, true); err == nil {
		t.Fatal("expected strict Load to reject unknown key")
	}
}

func TestLoadNonStrictIgnoresUnknownKey(t *testing.T) {
	path := writeTemp(t, `
[network]
port = 9000
bogus_key = true
`)
	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.Port != 9000 {
		t.Fatalf("Port = %d, want 9000", cfg.Network.Port)
	}
}

func TestLoadIfExistsReturnsDefaultsForMissingFile(t *testing.T) {
	cfg, err := LoadIfExists(filepath.Join(t.TempDir(), "missing.toml"), true)
	if err != nil {
		t.Fatalf("LoadIfExists: %v", err)
	}
	if cfg.Network.Port != Default().Network.Port {
		t.Fatalf("expected defaults for missing file")
	}
}
