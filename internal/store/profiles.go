package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/segmentio/encoding/json"

	"skirmish/master/internal/logging"
)

// profileTTL is how long a cached profile survives in Redis.
const profileTTL = 24 * time.Hour

// ProfileCache fronts GameStore.LookupProfile with a Redis layer so repeat
// logins skip the database.
type ProfileCache struct {
	client *redis.Client
	next   GameStore
	logger *logging.Logger
}

// NewProfileCache connects to Redis and wraps the given store. A nil client
// address disables caching and the store is used directly.
func NewProfileCache(addr string, next GameStore, logger *logging.Logger) (*ProfileCache, error) {
	cache := &ProfileCache{next: next, logger: logger}
	if addr == "" {
		return cache, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping().Result(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	cache.client = client
	logger.Info("redis connected", logging.String("addr", addr))
	return cache, nil
}

func profileKey(username string) string { return "profile:" + username }

// LookupProfile serves from Redis when possible and falls back to the store,
// refilling the cache on the way out.
func (c *ProfileCache) LookupProfile(ctx context.Context, username string) (Profile, error) {
	if c == nil || c.next == nil {
		return Profile{}, fmt.Errorf("profile cache not initialised")
	}
	if c.client != nil {
		raw, err := c.client.Get(profileKey(username)).Bytes()
		if err == nil {
			var profile Profile
			if err := json.Unmarshal(raw, &profile); err == nil {
				return profile, nil
			}
		} else if err != redis.Nil {
			c.logger.Warn("redis profile read failed", logging.String("username", username), logging.Error(err))
		}
	}

	profile, err := c.next.LookupProfile(ctx, username)
	if err != nil {
		return Profile{}, err
	}
	if c.client != nil {
		if raw, err := json.Marshal(&profile); err == nil {
			if err := c.client.Set(profileKey(username), raw, profileTTL).Err(); err != nil {
				c.logger.Warn("redis profile write failed", logging.String("username", username), logging.Error(err))
			}
		}
	}
	return profile, nil
}

// Forget drops the cached profile, used when badges or counters change.
func (c *ProfileCache) Forget(username string) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(profileKey(username)).Err()
}

// Close releases the Redis connection.
func (c *ProfileCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
