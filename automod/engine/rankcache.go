package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluesky-social/automoderator/automod/cachestore"
	"github.com/bluesky-social/automoderator/automod/condition"

	"golang.org/x/sync/singleflight"
)

// Subset of Client needed to resolve ranks
type MembershipLister interface {
	ListModerators(ctx context.Context, source string) ([]string, error)
	ListContributors(ctx context.Context, source string) ([]string, error)
}

// Cached membership lists for one source
type RankEntry struct {
	Moderators   []string  `json:"moderators"`
	Contributors []string  `json:"contributors"`
	FetchedAt    time.Time `json:"fetchedAt"`
}

// Per-source moderator and contributor lists, refreshed when older than TTL. Concurrent lookups of the same source share a single refresh.
type RankCache struct {
	Lister MembershipLister
	Cache  cachestore.CacheStore
	TTL    time.Duration
	// defaults to time.Now
	Clock func() time.Time

	group singleflight.Group
}

const rankCacheName = "ranks"

func NewRankCache(lister MembershipLister, cache cachestore.CacheStore) *RankCache {
	return &RankCache{
		Lister: lister,
		Cache:  cache,
		TTL:    time.Hour,
	}
}

func (rc *RankCache) now() time.Time {
	if rc.Clock != nil {
		return rc.Clock()
	}
	return time.Now()
}

// Author rank within a source: moderator if listed as a moderator, else contributor if listed as a contributor, else user
func (rc *RankCache) Rank(ctx context.Context, source, user string) (condition.Rank, error) {
	ent, err := rc.GetOrRefresh(ctx, source)
	if err != nil {
		return condition.RankUser, err
	}
	if containsFold(ent.Moderators, user) {
		return condition.RankModerator, nil
	}
	if containsFold(ent.Contributors, user) {
		return condition.RankContributor, nil
	}
	return condition.RankUser, nil
}

func (rc *RankCache) fresh(ctx context.Context, key string) (*RankEntry, error) {
	var ent RankEntry
	found, err := cachestore.GetJSON(ctx, rc.Cache, rankCacheName, key, &ent)
	if err != nil {
		return nil, err
	}
	if !found || rc.now().Sub(ent.FetchedAt) >= rc.TTL {
		return nil, nil
	}
	return &ent, nil
}

func (rc *RankCache) GetOrRefresh(ctx context.Context, source string) (*RankEntry, error) {
	key := strings.ToLower(source)
	ent, err := rc.fresh(ctx, key)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		return ent, nil
	}

	v, err, _ := rc.group.Do(key, func() (any, error) {
		// another caller may have just refreshed
		if ent, err := rc.fresh(ctx, key); err != nil || ent != nil {
			return ent, err
		}
		return rc.refresh(ctx, source, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*RankEntry), nil
}

func (rc *RankCache) refresh(ctx context.Context, source, key string) (*RankEntry, error) {
	rankFetches.Inc()
	mods, err := rc.Lister.ListModerators(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("listing moderators of %s: %w", source, err)
	}
	contribs, err := rc.Lister.ListContributors(ctx, source)
	if errors.Is(err, ErrNotFound) {
		contribs, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing contributors of %s: %w", source, err)
	}
	ent := &RankEntry{
		Moderators:   mods,
		Contributors: contribs,
		FetchedAt:    rc.now(),
	}
	if err := cachestore.SetJSON(ctx, rc.Cache, rankCacheName, key, ent); err != nil {
		return nil, err
	}
	return ent, nil
}

// Drops the cached lists for a source; the next lookup refreshes
func (rc *RankCache) Invalidate(ctx context.Context, source string) error {
	return rc.Cache.Purge(ctx, rankCacheName, strings.ToLower(source))
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
