package store

import (
	"errors"

	nats "github.com/nats-io/nats.go"
	stan "github.com/nats-io/stan.go"
	"github.com/segmentio/encoding/json"

	"skirmish/master/internal/logging"
)

const (
	// SubjectGameStatistics carries finished-game records for offline consumers.
	SubjectGameStatistics = "master.game_statistics"
	// SubjectAchievements carries achievement grants.
	SubjectAchievements = "master.achievements"
)

// StatsPublisher fans game statistics and achievement events out to NATS
// streaming so reporting consumers never sit on a session's path.
type StatsPublisher struct {
	conn   stan.Conn
	logger *logging.Logger
}

// DialStatsPublisher connects to the NATS streaming cluster. An empty cluster
// id disables publication; Publish* calls become no-ops.
func DialStatsPublisher(clusterID, clientID string, logger *logging.Logger) (*StatsPublisher, error) {
	publisher := &StatsPublisher{logger: logger}
	if clusterID == "" {
		return publisher, nil
	}
	conn, err := stan.Connect(clusterID, clientID)
	if err != nil {
		return nil, err
	}
	natsConn := conn.NatsConn()
	natsConn.SetDisconnectHandler(func(*nats.Conn) {
		logger.Warn("nats disconnected")
	})
	natsConn.SetReconnectHandler(func(*nats.Conn) {
		logger.Info("nats reconnected")
	})
	publisher.conn = conn
	logger.Info("nats connected", logging.String("cluster", clusterID), logging.String("client", clientID))
	return publisher, nil
}

type achievementEvent struct {
	PlayerID      uint32 `json:"player_id"`
	AchievementID uint32 `json:"achievement_id"`
}

// PublishGameStatistics emits one finished-game record, fire and forget.
func (p *StatsPublisher) PublishGameStatistics(stats GameStatistics) {
	p.publish(SubjectGameStatistics, &stats)
}

// PublishAchievement emits one achievement grant, fire and forget.
func (p *StatsPublisher) PublishAchievement(playerID, achievementID uint32) {
	p.publish(SubjectAchievements, &achievementEvent{PlayerID: playerID, AchievementID: achievementID})
}

func (p *StatsPublisher) publish(subject string, payload any) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("stats payload marshal failed", logging.String("subject", subject), logging.Error(err))
		return
	}
	//1.- PublishAsync keeps the reporting path off the caller's goroutine entirely.
	if _, err := p.conn.PublishAsync(subject, data, nil); err != nil {
		p.logger.Warn("stats publish failed", logging.String("subject", subject), logging.Error(err))
	}
}

// Close tears down the streaming connection.
func (p *StatsPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	if err := p.conn.Close(); err != nil && !errors.Is(err, stan.ErrConnectionClosed) {
		return err
	}
	return nil
}
