// Package cache stores generated feed payloads under stable keys with a
// per-entry time to live.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL key-value store. Get reports ok=false both for keys that were
// never set and for expired entries.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)
