package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"skirmish/master/internal/logging"
	"skirmish/master/internal/protocol"
)

const highScoreTableSize = 100

// MongoGameStore implements GameStore on a MongoDB database.
type MongoGameStore struct {
	client *mongo.Client
	db     string
	logger *logging.Logger
}

// DialMongo connects to the configured MongoDB instance and verifies it is
// reachable before returning the store.
func DialMongo(ctx context.Context, uri, database string, logger *logging.Logger) (*MongoGameStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri must not be empty")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetMaxPoolSize(100))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, err
	}
	logger.Info("mongo connected", logging.String("database", database))
	return &MongoGameStore{client: client, db: database, logger: logger}, nil
}

// Close tears down the underlying connection pool.
func (s *MongoGameStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *MongoGameStore) collection(name string) *mongo.Collection {
	return s.client.Database(s.db).Collection(name)
}

type ratingDoc struct {
	PlayerID uint32          `bson:"player_id"`
	LevelID  uint32          `bson:"level_id"`
	Rating   protocol.Rating `bson:"rating"`
}

// FetchRating aggregates the caller's own rating and the level average. A
// level nobody rated yet yields the NotRated sentinel, not an error.
func (s *MongoGameStore) FetchRating(ctx context.Context, playerID, levelID uint32) (RatingPair, error) {
	pair := NotRatedPair

	var own ratingDoc
	err := s.collection("ratings").FindOne(ctx, bson.M{"player_id": playerID, "level_id": levelID}).Decode(&own)
	switch {
	case err == nil:
		pair.Player = own.Rating
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		return NotRatedPair, err
	}

	cursor, err := s.collection("ratings").Find(ctx, bson.M{"level_id": levelID})
	if err != nil {
		return NotRatedPair, err
	}
	defer cursor.Close(ctx)

	var sum, count int64
	for cursor.Next(ctx) {
		var doc ratingDoc
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		sum += int64(doc.Rating)
		count++
	}
	if err := cursor.Err(); err != nil {
		return NotRatedPair, err
	}
	if count > 0 {
		pair.Level = protocol.Rating(sum / count)
	}
	return pair, nil
}

type highScoreDoc struct {
	PlayerName string `bson:"player_name"`
	Score      int64  `bson:"score"`
}

// FetchHighScores loads one leaderboard table ordered by score.
func (s *MongoGameStore) FetchHighScores(ctx context.Context, group, category string) ([]protocol.HighScoreRow, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "score", Value: -1}}).
		SetLimit(highScoreTableSize)
	cursor, err := s.collection("high_scores").Find(ctx, bson.M{"group": group, "category": category}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	rows := make([]protocol.HighScoreRow, 0, highScoreTableSize)
	rank := 0
	for cursor.Next(ctx) {
		var doc highScoreDoc
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		rank++
		rows = append(rows, protocol.HighScoreRow{Rank: rank, PlayerName: doc.PlayerName, Score: doc.Score})
	}
	return rows, cursor.Err()
}

// WritePlayerRating upserts one player's rating for a level.
func (s *MongoGameStore) WritePlayerRating(ctx context.Context, playerID, levelID uint32, rating protocol.Rating) error {
	filter := bson.M{"player_id": playerID, "level_id": levelID}
	update := bson.M{"$set": bson.M{"rating": rating, "rated_at": time.Now().UTC()}}
	_, err := s.collection("ratings").UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// WriteGameStatistics appends one finished-game record.
func (s *MongoGameStore) WriteGameStatistics(ctx context.Context, stats GameStatistics) error {
	if stats.PlayedAt.IsZero() {
		stats.PlayedAt = time.Now().UTC()
	}
	_, err := s.collection("game_statistics").InsertOne(ctx, &stats)
	return err
}

// WriteAchievement records that a player earned an achievement, once.
func (s *MongoGameStore) WriteAchievement(ctx context.Context, playerID, achievementID uint32) error {
	filter := bson.M{"player_id": playerID, "achievement_id": achievementID}
	update := bson.M{"$setOnInsert": bson.M{"earned_at": time.Now().UTC()}}
	_, err := s.collection("achievements").UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// WriteLevelInfo upserts level metadata keyed by content hash.
func (s *MongoGameStore) WriteLevelInfo(ctx context.Context, info LevelInfo) error {
	filter := bson.M{"_id": info.Hash}
	update := bson.M{"$set": bson.M{"name": info.Name, "creator": info.Creator, "type": info.Type}}
	_, err := s.collection("levels").UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// ErrUnknownProfile reports a username with no persistent profile yet.
var ErrUnknownProfile = errors.New("unknown profile")

// LookupProfile resolves the persistent numeric id and badge set for a player,
// creating the profile on first sight.
func (s *MongoGameStore) LookupProfile(ctx context.Context, username string) (Profile, error) {
	var profile Profile
	err := s.collection("profiles").FindOne(ctx, bson.M{"_id": username}).Decode(&profile)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return Profile{}, err
	}

	//1.- First successful login: allocate the next numeric id from a counter document.
	counter := struct {
		Value uint32 `bson:"value"`
	}{}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err = s.collection("counters").FindOneAndUpdate(ctx,
		bson.M{"_id": "player_id"},
		bson.M{"$inc": bson.M{"value": 1}},
		opts,
	).Decode(&counter)
	if err != nil {
		return Profile{}, err
	}

	profile = Profile{PlayerID: counter.Value, DisplayName: username}
	if _, err := s.collection("profiles").UpdateOne(ctx,
		bson.M{"_id": username},
		bson.M{"$setOnInsert": profile},
		options.Update().SetUpsert(true),
	); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

var _ GameStore = (*MongoGameStore)(nil)
