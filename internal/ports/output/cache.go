package output

import (
	"context"
	"time"
)

// QueryCache stores resolved read plans.
type QueryCache interface {
	// Get returns the cached value and whether it was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// NoOpCache never stores anything.
type NoOpCache struct{}

// Get implements QueryCache.
func (NoOpCache) Get(_ context.Context, _ string) ([]byte, bool, error) { return nil, false, nil }

// Set implements QueryCache.
func (NoOpCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
