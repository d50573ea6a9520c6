package ratelimit

import (
	"fmt"
	"time"
)

// Config bounds request rate per client. Zero RequestsPerSecond disables
// limiting.
type Config struct {
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `yaml:"burst"               json:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"            json:"idle_ttl"`
}

// DefaultConfig allows 20 requests per second with bursts of 40.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 20, Burst: 40, IdleTTL: 3 * time.Minute}
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0
}

// Validate checks the limits are usable.
func (c Config) Validate() error {
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}
	if c.Enabled() && c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1 when limiting is enabled")
	}
	if c.IdleTTL < 0 {
		return fmt.Errorf("idle_ttl must not be negative")
	}
	return nil
}
