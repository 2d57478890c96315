// Package redis provides a Redis-backed results.Cache, so rendered results
// survive a restart of the serving process and can be shared by replicas.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/layersync/results"
)

// Config for the Redis cache. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379" toml:"addr"`
	// KeyPrefix for all keys. ENV: RESULTS_KEY_PREFIX
	KeyPrefix string `env:"RESULTS_KEY_PREFIX,default=layersync:results:" toml:"key_prefix"`
	// DB selects the logical database. ENV: RESULTS_REDIS_DB
	DB int `env:"RESULTS_REDIS_DB,default=0" toml:"db"`
}

// Cache implements results.Cache on Redis: INCR allocates handles, SET
// stores and GETDEL consumes atomically.
type Cache struct {
	client    *redis.Client
	keyPrefix string
}

var _ results.Cache = (*Cache)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Cache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. The cache takes ownership of it.
func NewWithClient(cl *redis.Client, keyPrefix string) *Cache {
	if keyPrefix == "" {
		keyPrefix = "layersync:results:"
	}
	return &Cache{client: cl, keyPrefix: keyPrefix}
}

// ConfigFromEnv populates Config with envdecode. Defaults come from the
// struct tags; malformed values are an error.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("redis config from env: %w", err)
	}
	return cfg, nil
}

// NewFromEnv builds a Cache from ConfigFromEnv.
func NewFromEnv() (*Cache, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

func (c *Cache) seqKey() string                  { return c.keyPrefix + "seq" }
func (c *Cache) itemKey(h results.Handle) string { return c.keyPrefix + "item:" + h.String() }

// Store implements results.Cache.
func (c *Cache) Store(ctx context.Context, r results.Raster) (results.Handle, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("marshal raster: %w", err)
	}
	n, err := c.client.Incr(ctx, c.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate handle: %w", err)
	}
	h := results.Handle(n)
	if err := c.client.Set(ctx, c.itemKey(h), b, 0).Err(); err != nil {
		return 0, fmt.Errorf("store handle %d: %w", h, err)
	}
	return h, nil
}

// Consume implements results.Cache.
func (c *Cache) Consume(ctx context.Context, h results.Handle) (results.Raster, error) {
	b, err := c.client.GetDel(ctx, c.itemKey(h)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return results.Raster{}, fmt.Errorf("%w: handle %d", results.ErrNotFound, h)
		}
		return results.Raster{}, fmt.Errorf("consume handle %d: %w", h, err)
	}
	var r results.Raster
	if err := json.Unmarshal(b, &r); err != nil {
		return results.Raster{}, fmt.Errorf("unmarshal raster: %w", err)
	}
	return r, nil
}

// Close closes the Redis client.
func (c *Cache) Close() error { return c.client.Close() }
