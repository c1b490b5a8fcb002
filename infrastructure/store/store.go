// Package store provides the shared key-value store used for sticky
// sessions and cross-process registry mirroring.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned on a key miss.
var ErrNotFound = errors.New("store: key not found")

// Store is the minimal key-value contract the router and registry need.
// Values are opaque bytes; callers own encoding.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
