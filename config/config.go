package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"omniverse/core/types"
)

type Config struct {
	// Protocol parameters. Every execution space processing the same stream
	// must use identical values.
	ChainID         uint32 `toml:"ChainID"`
	CooldownSeconds uint64 `toml:"CooldownSeconds"`
	SignatureScheme string `toml:"SignatureScheme"`

	// Local node settings.
	QueuePerScope      bool          `toml:"QueuePerScope"`
	DataDir            string        `toml:"DataDir"`
	Storage            string        `toml:"Storage"`
	RPCAddress         string        `toml:"RPCAddress"`
	MaxConnections     int           `toml:"MaxConnections"`
	DrainInterval      time.Duration `toml:"DrainInterval"`
	DrainBatch         int           `toml:"DrainBatch"`
	RateLimitPerMinute float64       `toml:"RateLimitPerMinute"`
	RateBurst          int           `toml:"RateBurst"`
	SubmitPerMinute    float64       `toml:"SubmitPerMinute"`
	SubmitBurst        int           `toml:"SubmitBurst"`
	MetricsEnabled     bool          `toml:"MetricsEnabled"`
	LogRequests        bool          `toml:"LogRequests"`
	SignerKeystorePath string        `toml:"SignerKeystorePath,omitempty"`

	// Ledger selects what drained transactions are applied to: "fungible"
	// keeps per-scope token balances, "collection" tracks per-scope item
	// holders, "log" only records each drain.
	Ledger string `toml:"Ledger"`
	// ScopeOwners pins the minting account of a scope (hex or name) to a
	// public key. Scopes not listed are claimed by their first minter.
	ScopeOwners map[string]string `toml:"ScopeOwners,omitempty"`

	TelemetryEndpoint string `toml:"TelemetryEndpoint,omitempty"`
	TelemetryInsecure bool   `toml:"TelemetryInsecure"`
	TelemetryHeaders  string `toml:"TelemetryHeaders,omitempty"`
	TelemetryTraces   bool   `toml:"TelemetryTraces"`
	TelemetryMetrics  bool   `toml:"TelemetryMetrics"`

	LogEnv        string `toml:"LogEnv"`
	LogLevel      string `toml:"LogLevel"`
	LogFile       string `toml:"LogFile,omitempty"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		ChainID:            1,
		CooldownSeconds:    10,
		SignatureScheme:    "raw",
		DataDir:            "./omni-data",
		Storage:            "leveldb",
		RPCAddress:         ":8080",
		MaxConnections:     256,
		DrainInterval:      2 * time.Second,
		DrainBatch:         16,
		RateLimitPerMinute: 600,
		RateBurst:          20,
		SubmitPerMinute:    120,
		SubmitBurst:        10,
		MetricsEnabled:     true,
		Ledger:             "fungible",
		LogEnv:             "local",
		LogLevel:           "info",
		LogMaxSizeMB:       100,
		LogMaxBackups:      3,
	}
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.SignatureScheme = strings.ToLower(strings.TrimSpace(cfg.SignatureScheme))
	if cfg.SignatureScheme == "" {
		cfg.SignatureScheme = "raw"
	}
	cfg.Ledger = strings.ToLower(strings.TrimSpace(cfg.Ledger))
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Owners decodes ScopeOwners, keyed by the scope's wire bytes.
func (c *Config) Owners() (map[string]types.PublicKey, error) {
	out := make(map[string]types.PublicKey, len(c.ScopeOwners))
	for scope, key := range c.ScopeOwners {
		raw, err := types.ParseScope(scope)
		if err != nil {
			return nil, fmt.Errorf("ScopeOwners %q: %w", scope, err)
		}
		pk, err := types.ParsePublicKey(key)
		if err != nil {
			return nil, fmt.Errorf("ScopeOwners %q: %w", scope, err)
		}
		if _, dup := out[string(raw)]; dup {
			return nil, fmt.Errorf("ScopeOwners %q: scope listed twice", scope)
		}
		out[string(raw)] = pk
	}
	return out, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
