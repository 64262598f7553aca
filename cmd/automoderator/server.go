package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/automoderator/automod/cachestore"
	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/countstore"
	"github.com/bluesky-social/automoderator/automod/engine"
	"github.com/bluesky-social/automoderator/automod/store"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Membership lists are refreshed at most this often
var rankCacheTTL = time.Hour

type Server struct {
	Engine *engine.Engine

	logger *slog.Logger
	db     *gorm.DB
	rdb    *redis.Client
}

type Config struct {
	// redis for the rank cache and counters; in-process stores are used if empty
	RedisURL string
	Engine   engine.Config
	Logger   *slog.Logger
}

// Wires up an engine over the given store and client. db may be nil, in which case health checks skip the database.
func NewServer(st store.Store, db *gorm.DB, client engine.Client, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var counters countstore.CountStore
	var cache cachestore.CacheStore
	var rdb *redis.Client
	if config.RedisURL != "" {
		opt, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %v", err)
		}
		rdb = redis.NewClient(opt)
		// check redis connection
		_, err = rdb.Ping(context.TODO()).Result()
		if err != nil {
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}
		counters = &countstore.RedisCountStore{Client: rdb}
		cache = cachestore.NewRedisCacheStoreFromClient(rdb, rankCacheTTL)
		logger.Info("using redis for caches and counters")
	} else {
		counters = countstore.NewMemCountStore()
		cache = cachestore.NewMemCacheStore(5_000, rankCacheTTL)
	}

	ranks := engine.NewRankCache(client, cache)
	ranks.TTL = rankCacheTTL

	eng := &engine.Engine{
		Logger:    logger.With("subsystem", "engine"),
		Client:    client,
		Store:     st,
		Counters:  counters,
		Fragments: condition.NewFragmentCache(st),
		Ranks:     ranks,
		Config:    config.Engine,
	}

	return &Server{
		Engine: eng,
		logger: logger,
		db:     db,
		rdb:    rdb,
	}, nil
}

// Checks the database and redis connections
func (s *Server) Health(ctx context.Context) error {
	if s.db != nil {
		sqldb, err := s.db.DB()
		if err != nil {
			return err
		}
		if err := sqldb.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (s *Server) Close() {
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Warn("closing redis client", "err", err)
		}
	}
}
