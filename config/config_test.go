package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CooldownSeconds != 10 || cfg.SignatureScheme != "raw" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not persisted: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reflect.DeepEqual(reloaded, cfg) {
		t.Fatalf("reloaded config differs:\n%+v\n%+v", reloaded, cfg)
	}
}

func TestLoadParsesProtocolSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `ChainID = 42
CooldownSeconds = 30
SignatureScheme = "Ethereum"
QueuePerScope = true
DataDir = "/var/lib/omni"
RPCAddress = "127.0.0.1:9000"
DrainInterval = "500ms"
DrainBatch = 4
LogLevel = "debug"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID != 42 || cfg.CooldownSeconds != 30 || !cfg.QueuePerScope {
		t.Fatalf("unexpected protocol settings: %+v", cfg)
	}
	if cfg.SignatureScheme != "ethereum" {
		t.Fatalf("scheme not normalised: %q", cfg.SignatureScheme)
	}
	if cfg.DrainInterval != 500*time.Millisecond || cfg.DrainBatch != 4 {
		t.Fatalf("unexpected drain settings: %v %d", cfg.DrainInterval, cfg.DrainBatch)
	}
	if cfg.RateBurst != 20 {
		t.Fatalf("unset fields must keep defaults, got burst %d", cfg.RateBurst)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("CooldownSecs = 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "CooldownSecs") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"scheme", func(c *Config) { c.SignatureScheme = "ed25519" }},
		{"cooldown", func(c *Config) { c.CooldownSeconds = MaxCooldownSeconds + 1 }},
		{"datadir", func(c *Config) { c.DataDir = "" }},
		{"interval", func(c *Config) { c.DrainInterval = 0 }},
		{"batch", func(c *Config) { c.DrainBatch = 0 }},
		{"rate", func(c *Config) { c.RateBurst = -1 }},
		{"ledger", func(c *Config) { c.Ledger = "nft" }},
		{"storage", func(c *Config) { c.Storage = "sqlite" }},
		{"connections", func(c *Config) { c.MaxConnections = -1 }},
		{"owner key", func(c *Config) { c.ScopeOwners = map[string]string{"gold": "0x12"} }},
		{"owner scope", func(c *Config) { c.ScopeOwners = map[string]string{"0xzz": "0x12"} }},
		{"telemetry", func(c *Config) { c.TelemetryTraces = true }},
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadParsesScopeOwners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	owner := "0x" + strings.Repeat("ab", 64)
	contents := "Ledger = \"Collection\"\nStorage = \"Bolt\"\n\n[ScopeOwners]\n\"0x676f6c64\" = \"" + owner + "\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger != "collection" || cfg.Storage != "bolt" {
		t.Fatalf("names not normalised: %q %q", cfg.Ledger, cfg.Storage)
	}
	owners, err := cfg.Owners()
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	pk, ok := owners["gold"]
	if !ok || pk.Hex() != owner {
		t.Fatalf("unexpected owners %v", owners)
	}
}

func TestOwnersRejectsDuplicateScopes(t *testing.T) {
	cfg := Default()
	key := "0x" + strings.Repeat("cd", 64)
	cfg.ScopeOwners = map[string]string{"gold": key, "0x676f6c64": key}
	if _, err := cfg.Owners(); err == nil {
		t.Fatalf("expected duplicate scope error")
	}
}
