package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisCacheConfig configures the shared detail cache. Every server replica
// sees the same entries, so an invalidation on one replica covers all.
type RedisCacheConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	KeyPrefix    string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MasterName   string
}

// NewRedisCache initialises a Redis-backed Cache.
func NewRedisCache(cfg RedisCacheConfig) (*RedisCache, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "imagevault:"
	}
	return &RedisCache{client: client, prefix: prefix, logger: logger}, nil
}

// RedisCache implements Cache on a shared Redis instance. Get and Set degrade
// to misses on transport errors; Delete reports them because invalidation
// must not fail silently.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	reply, err := c.client.Do(ctx, "GET", c.prefix+key).Result()
	if err != nil {
		if !isNilCacheReply(err) {
			c.logger.Warn("cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	switch value := reply.(type) {
	case string:
		return []byte(value), true
	case []byte:
		return value, true
	default:
		return nil, false
	}
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	seconds := int64(ttl / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	if _, err := c.client.Do(ctx, "SET", c.prefix+key, string(value), "EX", strconv.FormatInt(seconds, 10)).Result(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if _, err := c.client.Do(ctx, "DEL", c.prefix+key).Result(); err != nil && !isNilCacheReply(err) {
		return fmt.Errorf("cache invalidate %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func isNilCacheReply(err error) bool {
	return errors.Is(err, redis.Nil)
}
