package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript adds to a day's total only if the result stays within the cap.
// KEYS[1] = day key (e.g. "govgate:spend:2026-03-01")
// ARGV[1] = amount in cents
// ARGV[2] = cap in cents
// ARGV[3] = ttl in seconds
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local spent = tonumber(redis.call("GET", key) or "0")
if amount > cap - spent then
    return {0, spent}
end

spent = redis.call("INCRBY", key, amount)
redis.call("EXPIRE", key, ttl)
return {1, spent}
`)

// dayTTL keeps yesterday's key around for inspection, then lets Redis drop it.
const dayTTL = 48 * time.Hour

// RedisStore shares the accumulator across processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to addr.
func NewRedisStore(addr string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return &RedisStore{client: rdb, prefix: "govgate:spend:"}
}

func (s *RedisStore) key(day string) string { return s.prefix + day }

func (s *RedisStore) Spent(ctx context.Context, day string) (int64, error) {
	v, err := s.client.Get(ctx, s.key(day)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get spend: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Reserve(ctx context.Context, day string, amount, limit int64) (bool, int64, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{s.key(day)}, amount, limit, int64(dayTTL.Seconds())).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis reserve spend: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, 0, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	total, _ := results[1].(int64)
	return allowed == 1, total, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
