package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// windowScript increments a counter and arms its expiry on the first hit, so
// concurrent API replicas share one fixed window.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisCache shares summaries and counters between API replicas.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to cfg.RedisAddr and verifies the connection.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheWithClient wraps an existing client without pinging it.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// redisKey namespaces keys as kestrel:<tenant>:<parts...>.
func redisKey(tenantID string, parts ...string) string {
	return "kestrel:" + tenantID + ":" + strings.Join(parts, ":")
}

// RunSummary reads a summary, returning nil when the key is absent.
func (c *RedisCache) RunSummary(ctx context.Context, tenantID, runID string) (*domain.RunSummary, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	data, err := c.client.Get(ctx, redisKey(tenantID, "run", runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run summary %s: %w", runID, err)
	}
	return decodeSummary(data)
}

// PutRunSummary writes a summary with the given expiry.
func (c *RedisCache) PutRunSummary(ctx context.Context, tenantID, runID string, summary *domain.RunSummary, ttl time.Duration) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	data, err := encodeSummary(summary)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisKey(tenantID, "run", runID), data, ttl).Err()
}

// Incr runs the window script for the tenant counter.
func (c *RedisCache) Incr(ctx context.Context, tenantID, counter string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	n, err := windowScript.Run(ctx, c.client, []string{redisKey(tenantID, "counter", counter)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", counter, err)
	}
	return n, nil
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
