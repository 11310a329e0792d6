// Package cache stores query results keyed by query text, scope and store
// revision. Backends: none, redis and badger.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache is a byte-oriented key/value store with expiry.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string // "none", "redis" or "badger"

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// BadgerDir is the badger directory; empty runs badger in memory.
	BadgerDir string

	// Prefix namespaces keys in shared backends.
	Prefix string
}

// Open returns the configured backend. An empty Backend means "none".
func Open(ctx context.Context, cfg Config) (Cache, error) {
	switch cfg.Backend {
	case "", "none":
		return Noop{}, nil
	case "redis":
		return NewRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
		})
	case "badger":
		return OpenBadger(cfg.BadgerDir)
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Close() error                                             { return nil }
