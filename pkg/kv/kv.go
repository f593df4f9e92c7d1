// Package kv is the shared key-value boundary. It is authoritative for
// exactly two things: per-provider circuit-breaker state and drainer
// heartbeats. Redis backs production; the in-memory store backs tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: not found")

// Store is a minimal TTL'd key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
