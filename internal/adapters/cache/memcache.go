// Package cache provides the memcached query cache.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nci/gomemcache/memcache"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// keyPrefix namespaces cache keys.
const keyPrefix = "tessera:"

// Memcache stores resolved read plans in memcached.
type Memcache struct {
	client *memcache.Client
	logger *slog.Logger
}

var _ output.QueryCache = (*Memcache)(nil)

// NewMemcache creates a cache over the given servers. Connections are
// opened lazily.
func NewMemcache(servers []string, timeout time.Duration, logger *slog.Logger) (*Memcache, error) {
	if len(servers) == 0 {
		return nil, &domain.ConfigError{Field: "cache.servers", Message: "at least one memcache server is required"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &Memcache{client: client, logger: logger}, nil
}

// Get implements output.QueryCache.
func (m *Memcache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	item, err := m.client.Get(keyPrefix + key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &domain.StorageError{Operation: "cache_get", Key: key, Err: err}
	}
	return item.Value, true, nil
}

// Set implements output.QueryCache. A zero ttl keeps the item until evicted.
func (m *Memcache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item := &memcache.Item{
		Key:        keyPrefix + key,
		Value:      value,
		Expiration: int32(ttl / time.Second),
	}
	if err := m.client.Set(item); err != nil {
		m.logger.Debug("cache set failed", "key", key, "error", err)
		return &domain.StorageError{Operation: "cache_set", Key: key, Err: err}
	}
	return nil
}
