package store

import (
	"context"
	"sort"
	"sync"

	"skirmish/master/internal/protocol"
)

type ratingKey struct {
	playerID uint32
	levelID  uint32
}

type scoreKey struct {
	group    string
	category string
}

type scoreRow struct {
	playerName string
	score      int64
}

// MemoryGameStore is the in-process GameStore used when no MongoDB is
// configured. It keeps the same observable semantics as the Mongo store.
type MemoryGameStore struct {
	mu           sync.Mutex
	ratings      map[ratingKey]protocol.Rating
	scores       map[scoreKey][]scoreRow
	games        []GameStatistics
	achievements map[uint32][]uint32
	levels       map[string]LevelInfo
	profiles     map[string]Profile
	nextPlayerID uint32
}

// NewMemoryGameStore constructs an empty in-process store.
func NewMemoryGameStore() *MemoryGameStore {
	return &MemoryGameStore{
		ratings:      make(map[ratingKey]protocol.Rating),
		scores:       make(map[scoreKey][]scoreRow),
		achievements: make(map[uint32][]uint32),
		levels:       make(map[string]LevelInfo),
		profiles:     make(map[string]Profile),
	}
}

// FetchRating mirrors the Mongo aggregation: the caller's own rating plus the
// level average, with NotRated sentinels where no data exists.
func (s *MemoryGameStore) FetchRating(_ context.Context, playerID, levelID uint32) (RatingPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := NotRatedPair
	if own, ok := s.ratings[ratingKey{playerID, levelID}]; ok {
		pair.Player = own
	}
	var sum, count int64
	for key, rating := range s.ratings {
		if key.levelID == levelID {
			sum += int64(rating)
			count++
		}
	}
	if count > 0 {
		pair.Level = protocol.Rating(sum / count)
	}
	return pair, nil
}

// FetchHighScores returns the ranked table for one group and category.
func (s *MemoryGameStore) FetchHighScores(_ context.Context, group, category string) ([]protocol.HighScoreRow, error) {
	s.mu.Lock()
	stored := append([]scoreRow(nil), s.scores[scoreKey{group, category}]...)
	s.mu.Unlock()

	sort.Slice(stored, func(i, j int) bool { return stored[i].score > stored[j].score })
	if len(stored) > highScoreTableSize {
		stored = stored[:highScoreTableSize]
	}
	rows := make([]protocol.HighScoreRow, 0, len(stored))
	for i, row := range stored {
		rows = append(rows, protocol.HighScoreRow{Rank: i + 1, PlayerName: row.playerName, Score: row.score})
	}
	return rows, nil
}

// WritePlayerRating upserts one player's rating for a level.
func (s *MemoryGameStore) WritePlayerRating(_ context.Context, playerID, levelID uint32, rating protocol.Rating) error {
	s.mu.Lock()
	s.ratings[ratingKey{playerID, levelID}] = rating
	s.mu.Unlock()
	return nil
}

// WriteGameStatistics appends one finished-game record and folds its scores
// into the per-level leaderboard.
func (s *MemoryGameStore) WriteGameStatistics(_ context.Context, stats GameStatistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games = append(s.games, stats)
	key := scoreKey{group: stats.LevelName, category: stats.LevelType}
	for i, player := range stats.Players {
		if i < len(stats.Scores) {
			s.scores[key] = append(s.scores[key], scoreRow{playerName: player, score: stats.Scores[i]})
		}
	}
	return nil
}

// WriteAchievement records one achievement grant.
func (s *MemoryGameStore) WriteAchievement(_ context.Context, playerID, achievementID uint32) error {
	s.mu.Lock()
	s.achievements[playerID] = append(s.achievements[playerID], achievementID)
	s.mu.Unlock()
	return nil
}

// WriteLevelInfo upserts level metadata keyed by content hash.
func (s *MemoryGameStore) WriteLevelInfo(_ context.Context, info LevelInfo) error {
	s.mu.Lock()
	s.levels[info.Hash] = info
	s.mu.Unlock()
	return nil
}

// LookupProfile resolves or allocates the persistent identity for a username,
// matching the Mongo store's counter behaviour.
func (s *MemoryGameStore) LookupProfile(_ context.Context, username string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profile, ok := s.profiles[username]; ok {
		return profile, nil
	}
	s.nextPlayerID++
	profile := Profile{PlayerID: s.nextPlayerID, DisplayName: username}
	s.profiles[username] = profile
	return profile, nil
}

// GameCount reports how many finished games were recorded.
func (s *MemoryGameStore) GameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.games)
}

// Achievements returns the grants recorded for one player.
func (s *MemoryGameStore) Achievements(playerID uint32) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.achievements[playerID]...)
}

// Level returns the stored metadata for a content hash.
func (s *MemoryGameStore) Level(hash string) (LevelInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.levels[hash]
	return info, ok
}

var _ GameStore = (*MemoryGameStore)(nil)
