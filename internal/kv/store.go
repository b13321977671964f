// Package kv defines the key-value contract used for idempotency records and
// verification sessions, plus an in-process implementation. A GORM-backed
// implementation lives in the repo package; callers depend only on Store.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: not found")

// Store is a get / set-with-TTL / delete primitive. Values are opaque bytes,
// written wholesale by the single operation that owns the key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Sweeper is implemented by stores that can purge expired keys in bulk.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// GetJSON loads key and decodes it into out.
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("kv: decode %q: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key with ttl.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %q: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}
