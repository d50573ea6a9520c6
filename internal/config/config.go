// Package config loads the single governance file: rule tables, council
// tables, retry policy, audit storage, spend store and alert targets.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/govgate/internal/alert"
	"github.com/ppiankov/govgate/internal/budget"
	"github.com/ppiankov/govgate/internal/classify"
	"github.com/ppiankov/govgate/internal/council"
	"github.com/ppiankov/govgate/internal/policy"
	"github.com/ppiankov/govgate/internal/protocol"
	"github.com/ppiankov/govgate/internal/ratelimit"
	"github.com/ppiankov/govgate/internal/telemetry"
)

// Audit drivers.
const (
	DriverJSONL  = "jsonl"
	DriverSQLite = "sqlite"
)

// Environment overrides for store credentials.
const (
	EnvRedisAddr   = "GOVGATE_REDIS_ADDR"
	EnvPostgresDSN = "GOVGATE_POSTGRES_DSN"
)

// AuditConfig selects the audit trail backend and retention.
type AuditConfig struct {
	Driver   string `yaml:"driver"    json:"driver"`
	Path     string `yaml:"path"      json:"path"`
	KeepLast int    `yaml:"keep_last" json:"keep_last"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr      string           `yaml:"addr"       json:"addr"`
	RateLimit ratelimit.Config `yaml:"rate_limit" json:"rate_limit"`
}

// Config is the whole governance file.
type Config struct {
	Rules     *policy.RuleTables   `yaml:"rules"      json:"rules"`
	Council   council.Config       `yaml:"council"    json:"council"`
	Retry     protocol.RetryConfig `yaml:"retry"      json:"retry"`
	Audit     AuditConfig          `yaml:"audit"      json:"audit"`
	Budget    budget.Config        `yaml:"budget"     json:"budget"`
	Alerts    []alert.AlertConfig  `yaml:"alerts"     json:"alerts"`
	Telemetry telemetry.Config     `yaml:"telemetry"  json:"telemetry"`
	Server    ServerConfig         `yaml:"server"     json:"server"`
	ReviewDir string               `yaml:"review_dir" json:"review_dir"`
	QueuePath string               `yaml:"queue_path" json:"queue_path"`
}

// Dir returns the govgate state directory, ~/.govgate.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "govgate")
	}
	return filepath.Join(home, ".govgate")
}

// DefaultPath returns the default governance file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "governance.yaml")
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	dir := Dir()
	return &Config{
		Rules:   policy.DefaultRules(),
		Council: council.DefaultConfig(),
		Retry:   protocol.DefaultRetryConfig(),
		Audit: AuditConfig{
			Driver: DriverJSONL,
			Path:   filepath.Join(dir, "audit.jsonl"),
		},
		Budget:    budget.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Server: ServerConfig{
			Addr:      ":8088",
			RateLimit: ratelimit.DefaultConfig(),
		},
		ReviewDir: filepath.Join(dir, "review"),
		QueuePath: filepath.Join(dir, "queue.json"),
	}
}

// Load reads the governance file at path. See LoadWithHash.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash reads the governance file and returns it with the SHA-256 of
// the raw bytes, which versions every decision made under it. An empty path
// means DefaultPath. A missing file yields the defaults and the hash of no
// bytes. Values in the file are applied on top of DefaultConfig.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			applyEnv(cfg)
			return cfg, hashOf(nil), nil
		}
		return nil, "", fmt.Errorf("failed to read governance config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, "", err
	}
	return cfg, hashOf(data), nil
}

// Parse decodes and validates raw governance YAML.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse governance config: %w", err)
	}
	if cfg.Rules == nil {
		cfg.Rules = policy.DefaultRules()
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid governance config: %w", err)
	}
	return cfg, nil
}

// Validate refuses a configuration any component would refuse.
func (c *Config) Validate() error {
	engine, err := classify.NewExprEngine()
	if err != nil {
		return err
	}
	if err := c.Rules.Validate(engine); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	if err := c.Council.Validate(); err != nil {
		return fmt.Errorf("council: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	switch c.Audit.Driver {
	case DriverJSONL, DriverSQLite:
	default:
		return fmt.Errorf("audit: unknown driver %q (want %s or %s)", c.Audit.Driver, DriverJSONL, DriverSQLite)
	}
	if c.Audit.Path == "" {
		return fmt.Errorf("audit: path is required")
	}
	if c.Audit.KeepLast < 0 {
		return fmt.Errorf("audit: keep_last must not be negative")
	}
	switch c.Budget.Backend {
	case "", budget.BackendMemory, budget.BackendRedis, budget.BackendPostgres:
	default:
		return fmt.Errorf("budget: unknown backend %q", c.Budget.Backend)
	}
	if err := c.Server.RateLimit.Validate(); err != nil {
		return fmt.Errorf("server.rate_limit: %w", err)
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("alerts[%d]: url is required", i)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Budget.RedisAddr = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.Budget.PostgresDSN = v
	}
}

func hashOf(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
