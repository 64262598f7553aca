package condition

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Provides the raw definitions of every reusable fragment, as a map of name to rule text
type FragmentSource interface {
	ListFragments(ctx context.Context) (map[string]string, error)
}

// Process-wide cache of parsed reusable fragments. The full set is loaded lazily on first access, and again on first access after Invalidate.
//
// Safe for concurrent use; at most one reload is in flight at a time.
type FragmentCache struct {
	Source FragmentSource

	lk      sync.Mutex
	entries map[string]Record
}

var _ FragmentLookup = (*FragmentCache)(nil)

func NewFragmentCache(src FragmentSource) *FragmentCache {
	return &FragmentCache{Source: src}
}

// Names are case-insensitive. Returns nil for unknown fragments.
func (fc *FragmentCache) LookupFragment(ctx context.Context, name string) (Record, error) {
	fc.lk.Lock()
	defer fc.lk.Unlock()

	if fc.entries == nil {
		entries, err := fc.load(ctx)
		if err != nil {
			return nil, err
		}
		fc.entries = entries
	}
	return fc.entries[strings.ToLower(name)], nil
}

func (fc *FragmentCache) load(ctx context.Context) (map[string]Record, error) {
	entries := map[string]Record{}
	if fc.Source == nil {
		return entries, nil
	}
	defs, err := fc.Source.ListFragments(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing standard conditions: %w", err)
	}
	for name, text := range defs {
		rec, err := ParseRecord(text)
		if err != nil {
			return nil, fmt.Errorf("parsing standard condition %q: %w", name, err)
		}
		entries[strings.ToLower(name)] = rec
	}
	return entries, nil
}

// Drops all cached fragments; the next lookup reloads from the source.
func (fc *FragmentCache) Invalidate() {
	fc.lk.Lock()
	defer fc.lk.Unlock()
	fc.entries = nil
}

// Fixed in-memory fragment set, mostly useful for tests
type StaticFragments map[string]Record

func (sf StaticFragments) LookupFragment(ctx context.Context, name string) (Record, error) {
	return sf[strings.ToLower(name)], nil
}
