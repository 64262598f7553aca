package countstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	redisCountPrefix    = "automod/count/"
	redisDistinctPrefix = "automod/distinct/"
)

// expiry for each period bucket; totals never expire
var redisPeriodTTL = map[string]time.Duration{
	PeriodHour: 2 * time.Hour,
	PeriodDay:  48 * time.Hour,
}

type RedisCountStore struct {
	Client *redis.Client
}

var _ CountStore = (*RedisCountStore)(nil)

func NewRedisCountStore(redisURL string) (*RedisCountStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, err
	}
	return &RedisCountStore{Client: rdb}, nil
}

func (s *RedisCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	c, err := s.Client.Get(ctx, redisCountPrefix+periodBucket(name, val, period)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return c, nil
}

// all period buckets are updated in a single round-trip
func (s *RedisCountStore) Increment(ctx context.Context, name, val string) error {
	multi := s.Client.Pipeline()
	for _, p := range allPeriods {
		key := redisCountPrefix + periodBucket(name, val, p)
		multi.Incr(ctx, key)
		if ttl, ok := redisPeriodTTL[p]; ok {
			multi.Expire(ctx, key, ttl)
		}
	}
	_, err := multi.Exec(ctx)
	return err
}

func (s *RedisCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error) {
	c, err := s.Client.PFCount(ctx, redisDistinctPrefix+periodBucket(name, bucket, period)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return int(c), nil
}

func (s *RedisCountStore) IncrementDistinct(ctx context.Context, name, bucket, val string) error {
	multi := s.Client.Pipeline()
	for _, p := range allPeriods {
		key := redisDistinctPrefix + periodBucket(name, bucket, p)
		multi.PFAdd(ctx, key, val)
		if ttl, ok := redisPeriodTTL[p]; ok {
			multi.Expire(ctx, key, ttl)
		}
	}
	_, err := multi.Exec(ctx)
	return err
}
