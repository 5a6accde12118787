package cache

import (
	"context"
	"time"

	"skirmish/master/internal/logging"
	"skirmish/master/internal/protocol"
	"skirmish/master/internal/store"
)

// RatingKey identifies one player's view of one level's rating.
type RatingKey struct {
	PlayerID uint32
	LevelID  uint32
}

// RatingCache serves per-player and per-level ratings with the shared
// single-flight contract.
type RatingCache struct {
	*Cache[RatingKey, store.RatingPair]
	games store.GameStore
}

// NewRatingCache wires the cache to the game store read path.
func NewRatingCache(games store.GameStore, freshness, eviction time.Duration, logger *logging.Logger, opts ...Option[RatingKey, store.RatingPair]) *RatingCache {
	fetch := func(ctx context.Context, key RatingKey) (store.RatingPair, error) {
		return games.FetchRating(ctx, key.PlayerID, key.LevelID)
	}
	return &RatingCache{
		Cache: New(fetch, freshness, eviction, logger, opts...),
		games: games,
	}
}

// SetRating writes the player's rating through to the store and invalidates
// the cached pair so the next read recomputes the aggregate.
func (c *RatingCache) SetRating(ctx context.Context, key RatingKey, rating protocol.Rating) error {
	if err := c.games.WritePlayerRating(ctx, key.PlayerID, key.LevelID, rating); err != nil {
		return err
	}
	c.Invalidate(key)
	return nil
}
