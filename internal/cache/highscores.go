package cache

import (
	"context"
	"time"

	"skirmish/master/internal/logging"
	"skirmish/master/internal/protocol"
	"skirmish/master/internal/store"
)

// ScoreKey identifies one leaderboard table by group and category.
type ScoreKey struct {
	Group    string
	Category string
}

// HighScoreCache serves computed leaderboard tables with the shared
// single-flight contract.
type HighScoreCache struct {
	*Cache[ScoreKey, []protocol.HighScoreRow]
}

// NewHighScoreCache wires the cache to the game store read path.
func NewHighScoreCache(games store.GameStore, freshness, eviction time.Duration, logger *logging.Logger, opts ...Option[ScoreKey, []protocol.HighScoreRow]) *HighScoreCache {
	fetch := func(ctx context.Context, key ScoreKey) ([]protocol.HighScoreRow, error) {
		return games.FetchHighScores(ctx, key.Group, key.Category)
	}
	return &HighScoreCache{Cache: New(fetch, freshness, eviction, logger, opts...)}
}
