// Package store holds the master's persistence collaborators: the game store
// backing cache refreshes and statistics writes, the profile lookup path used
// after authentication, and the identity backend contract.
package store

import (
	"context"
	"time"

	"skirmish/master/internal/protocol"
)

// RatingPair bundles the requester's own rating with the level aggregate.
type RatingPair struct {
	Player protocol.Rating `json:"player" bson:"player"`
	Level  protocol.Rating `json:"level" bson:"level"`
}

// NotRatedPair is the cold-store answer for a level nobody rated yet.
var NotRatedPair = RatingPair{Player: protocol.NotRated, Level: protocol.NotRated}

// Profile is the persistent identity of a player, resolved on auth success.
type Profile struct {
	PlayerID    uint32 `json:"player_id" bson:"player_id"`
	DisplayName string `json:"display_name" bson:"display_name"`
	Badges      uint32 `json:"badges" bson:"badges"`
	GamesPlayed uint32 `json:"games_played" bson:"games_played"`
}

// GameStatistics is one finished game reported by a server.
type GameStatistics struct {
	ServerName string    `json:"server_name" bson:"server_name"`
	LevelName  string    `json:"level_name" bson:"level_name"`
	LevelType  string    `json:"level_type" bson:"level_type"`
	Players    []string  `json:"players" bson:"players"`
	Scores     []int64   `json:"scores" bson:"scores"`
	PlayedAt   time.Time `json:"played_at" bson:"played_at"`
}

// LevelInfo is the metadata registered for a user-made level.
type LevelInfo struct {
	Hash    string `json:"hash" bson:"_id"`
	Name    string `json:"name" bson:"name"`
	Creator string `json:"creator" bson:"creator"`
	Type    string `json:"type" bson:"type"`
}

// GameStore is the read path behind the caches and the write path for game
// results. Implementations must be safe for concurrent use.
type GameStore interface {
	FetchRating(ctx context.Context, playerID, levelID uint32) (RatingPair, error)
	FetchHighScores(ctx context.Context, group, category string) ([]protocol.HighScoreRow, error)
	WritePlayerRating(ctx context.Context, playerID, levelID uint32, rating protocol.Rating) error
	WriteGameStatistics(ctx context.Context, stats GameStatistics) error
	WriteAchievement(ctx context.Context, playerID, achievementID uint32) error
	WriteLevelInfo(ctx context.Context, info LevelInfo) error
	LookupProfile(ctx context.Context, username string) (Profile, error)
}
