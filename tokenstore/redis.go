package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// RedisConfig for the Redis-backed store. Defaults can be loaded via envdecode.
type RedisConfig struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// DB index. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: ODIO_PORTAL_TOKEN_PREFIX
	KeyPrefix string `env:"ODIO_PORTAL_TOKEN_PREFIX,default=odio-portal:token:"`
	TTL       time.Duration
}

// RedisConfigFromEnv populates RedisConfig from the environment.
func RedisConfigFromEnv() (RedisConfig, error) {
	var cfg RedisConfig
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return cfg, fmt.Errorf("tokenstore: redis env: %w", err)
	}
	return cfg, nil
}

// Redis shares restore tokens between broker instances.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisWithClient(cl, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(cl *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "odio-portal:token:"
	}
	return &Redis{client: cl, keyPrefix: prefix, ttl: ttl}
}

func (r *Redis) key(token string) string { return r.keyPrefix + token }

func (r *Redis) Put(ctx context.Context, token string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(token), data, r.ttl).Err()
}

// Take uses GETDEL so two brokers never redeem the same token.
func (r *Redis) Take(ctx context.Context, token string) (Record, bool, error) {
	data, err := r.client.GetDel(ctx, r.key(token)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("tokenstore: decode %s: %w", token, err)
	}
	return rec, true, nil
}

func (r *Redis) Close() error { return r.client.Close() }
