package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores serialized query result sets keyed by QueryKey. Both backends
// expire entries after the TTL passed to Set.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) error
}

// QueryKey derives the cache key of one remote C-FIND query from the encoded
// identifier, so identical queries against the same node hit the same entry.
func QueryKey(remoteAE, level string, identifier []byte) string {
	sum := sha256.Sum256(identifier)
	return "qr:" + remoteAE + ":" + level + ":" + hex.EncodeToString(sum[:12])
}
