package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	cacheKey = "carnival:leaderboard:top"

	// cacheDepth is how many standings are cached; deeper reads bypass Redis.
	cacheDepth = MaxLimit
)

// CachedStore fronts a Store with a Redis copy of the top standings.
// Any successful Add drops the copy. Redis failures fall through to the
// underlying store.
type CachedStore struct {
	Store
	redis *redis.Client
	ttl   time.Duration
}

func NewCachedStore(store Store, redisClient *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: store, redis: redisClient, ttl: ttl}
}

func (c *CachedStore) Add(ctx context.Context, entries ...Entry) (int, error) {
	added, err := c.Store.Add(ctx, entries...)
	if err != nil || added == 0 {
		return added, err
	}
	if err := c.redis.Del(ctx, cacheKey).Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to invalidate leaderboard cache")
	}
	return added, nil
}

func (c *CachedStore) Top(ctx context.Context, limit int) ([]Standing, error) {
	if limit > cacheDepth {
		return c.Store.Top(ctx, limit)
	}

	raw, err := c.redis.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var cached []Standing
		if err := json.Unmarshal(raw, &cached); err == nil {
			return truncate(cached, limit), nil
		}
	} else if !errors.Is(err, redis.Nil) {
		log.Warn().Err(err).Msg("Leaderboard cache read failed")
	}

	standings, err := c.Store.Top(ctx, cacheDepth)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(standings); err == nil {
		if err := c.redis.Set(ctx, cacheKey, payload, c.ttl).Err(); err != nil {
			log.Warn().Err(err).Msg("Leaderboard cache write failed")
		}
	}
	return truncate(standings, limit), nil
}

func truncate(standings []Standing, limit int) []Standing {
	if limit > 0 && len(standings) > limit {
		return standings[:limit]
	}
	return standings
}
