// Package tokenstore persists the grants behind portal restore tokens.
// A token is single use: Take removes it.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/portal"
)

var ErrClosed = errors.New("tokenstore: closed")

// Record is what a restore token stands for.
type Record struct {
	Kind     string       `json:"kind" yaml:"kind"`
	Grant    portal.Grant `json:"grant" yaml:"grant"`
	IssuedAt time.Time    `json:"issued_at" yaml:"issued_at"`
}

type Store interface {
	Put(ctx context.Context, token string, rec Record) error
	// Take returns the record and forgets the token.
	Take(ctx context.Context, token string) (Record, bool, error)
	Close() error
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg *config.TokenConfig) (Store, error) {
	if cfg == nil {
		return NewMemory(0), nil
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.TTL), nil
	case "file":
		return NewFile(cfg.File, cfg.TTL)
	case "redis":
		rc, err := RedisConfigFromEnv()
		if err != nil {
			return nil, err
		}
		if cfg.RedisAddr != "" {
			rc.Addr = cfg.RedisAddr
		}
		if cfg.RedisPrefix != "" {
			rc.KeyPrefix = cfg.RedisPrefix
		}
		rc.TTL = cfg.TTL
		return NewRedis(ctx, rc)
	default:
		return nil, fmt.Errorf("tokenstore: unknown backend %q", cfg.Backend)
	}
}

func expired(rec Record, ttl time.Duration) bool {
	return ttl > 0 && time.Since(rec.IssuedAt) > ttl
}
