package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Get returns an empty string (and no error) on a cache miss.
type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	Purge(ctx context.Context, name, key string) error
}

// Fetches and decodes a JSON value. Returns false on a cache miss.
func GetJSON(ctx context.Context, cs CacheStore, name, key string, out any) (bool, error) {
	val, err := cs.Get(ctx, name, key)
	if err != nil {
		return false, err
	}
	if val == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false, fmt.Errorf("decoding cached %s/%s: %w", name, key, err)
	}
	return true, nil
}

func SetJSON(ctx context.Context, cs CacheStore, name, key string, val any) error {
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encoding cached %s/%s: %w", name, key, err)
	}
	return cs.Set(ctx, name, key, string(b))
}
