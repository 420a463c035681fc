package config

import "fmt"

// MaxCooldownSeconds bounds the synchronisation margin to one day.
var MaxCooldownSeconds = uint64(86400)

func (c *Config) Validate() error {
	switch c.SignatureScheme {
	case "raw", "ethereum":
	default:
		return fmt.Errorf("SignatureScheme must be raw or ethereum, got %q", c.SignatureScheme)
	}
	if c.CooldownSeconds > MaxCooldownSeconds {
		return fmt.Errorf("CooldownSeconds %d exceeds %d", c.CooldownSeconds, MaxCooldownSeconds)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DataDir must be set")
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("DrainInterval must be positive")
	}
	if c.DrainBatch <= 0 {
		return fmt.Errorf("DrainBatch must be positive")
	}
	switch c.Storage {
	case "leveldb", "bolt":
	default:
		return fmt.Errorf("Storage must be leveldb or bolt, got %q", c.Storage)
	}
	switch c.Ledger {
	case "fungible", "collection", "log":
	default:
		return fmt.Errorf("Ledger must be fungible, collection or log, got %q", c.Ledger)
	}
	if _, err := c.Owners(); err != nil {
		return err
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("MaxConnections must not be negative")
	}
	if (c.TelemetryTraces || c.TelemetryMetrics) && c.TelemetryEndpoint == "" {
		return fmt.Errorf("TelemetryEndpoint must be set when telemetry export is enabled")
	}
	if c.RateLimitPerMinute < 0 || c.RateBurst < 0 || c.SubmitPerMinute < 0 || c.SubmitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}
