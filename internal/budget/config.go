package budget

import (
	"context"
	"fmt"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// DefaultDailyCapCents is $500.
const DefaultDailyCapCents int64 = 50000

// Config selects the spend store. The cap itself lives with the council
// tables; a zero cap means no spend is ever authorized, not unlimited.
type Config struct {
	Backend     string `yaml:"backend"      json:"backend"`
	RedisAddr   string `yaml:"redis_addr"   json:"redis_addr,omitempty"`
	RedisDB     int    `yaml:"redis_db"     json:"redis_db,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn" json:"-"`
}

// DefaultConfig returns the in-memory store.
func DefaultConfig() Config {
	return Config{Backend: BackendMemory}
}

// OpenStore builds the configured store. The returned close function is
// never nil.
func OpenStore(ctx context.Context, cfg Config) (Store, func() error, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), func() error { return nil }, nil
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, nil, fmt.Errorf("budget backend redis requires redis_addr")
		}
		s := NewRedisStore(cfg.RedisAddr, cfg.RedisDB)
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return s, s.Close, nil
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("budget backend postgres requires postgres_dsn")
		}
		s, err := OpenPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown budget backend %q", cfg.Backend)
	}
}
