package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the master listens on.
	DefaultAddr = ":27900"
	// DefaultPingInterval controls the keepalive cadence for peer connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultQueryChunkSize bounds how many server records travel in one list chunk.
	DefaultQueryChunkSize = 16

	// DefaultArrangedTimeout is how long a brokered connection request may stay pending.
	DefaultArrangedTimeout = 15 * time.Second
	// DefaultCacheFreshness is how long a cached rating or score table is served without a refresh.
	DefaultCacheFreshness = time.Minute
	// DefaultCacheEviction is how long an untouched cache entry survives before the sweep removes it.
	DefaultCacheEviction = 10 * time.Minute
	// DefaultSnapshotInterval throttles dashboard snapshot writes.
	DefaultSnapshotInterval = 5 * time.Second
	// DefaultSnapshotPath is where the dashboard JSON document is written.
	DefaultSnapshotPath = "master_status.json"

	// DefaultStrikeLimit is how many strikes a session accumulates before disconnection.
	DefaultStrikeLimit = 3
	// DefaultStrikeDecay is the good-behaviour window after which one strike is forgiven.
	DefaultStrikeDecay = 30 * time.Second
	// DefaultMinRequestInterval is the flood guard floor between requests on one session.
	DefaultMinRequestInterval = 50 * time.Millisecond

	// DefaultAuthTimeout bounds one identity backend round trip.
	DefaultAuthTimeout = 10 * time.Second

	// DefaultLogLevel controls verbosity for master logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "master.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the master service.
type Config struct {
	Address            string
	MaxPayloadBytes    int64
	PingInterval       time.Duration
	QueryChunkSize     int
	ArrangedTimeout    time.Duration
	CacheFreshness     time.Duration
	CacheEviction      time.Duration
	SnapshotPath       string
	SnapshotInterval   time.Duration
	StrikeLimit        int
	StrikeDecay        time.Duration
	MinRequestInterval time.Duration
	AuthURL            string
	AuthTimeout        time.Duration
	MongoURI           string
	MongoDatabase      string
	RedisAddr          string
	NatsClusterID      string
	NatsClientID       string
	Logging            LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the master configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:            getString("MASTER_ADDR", DefaultAddr),
		MaxPayloadBytes:    DefaultMaxPayloadBytes,
		PingInterval:       DefaultPingInterval,
		QueryChunkSize:     DefaultQueryChunkSize,
		ArrangedTimeout:    DefaultArrangedTimeout,
		CacheFreshness:     DefaultCacheFreshness,
		CacheEviction:      DefaultCacheEviction,
		SnapshotPath:       getString("MASTER_SNAPSHOT_PATH", DefaultSnapshotPath),
		SnapshotInterval:   DefaultSnapshotInterval,
		StrikeLimit:        DefaultStrikeLimit,
		StrikeDecay:        DefaultStrikeDecay,
		MinRequestInterval: DefaultMinRequestInterval,
		AuthURL:            strings.TrimSpace(os.Getenv("MASTER_AUTH_URL")),
		AuthTimeout:        DefaultAuthTimeout,
		MongoURI:           strings.TrimSpace(os.Getenv("MASTER_MONGO_URI")),
		MongoDatabase:      getString("MASTER_MONGO_DB", "master"),
		RedisAddr:          strings.TrimSpace(os.Getenv("MASTER_REDIS_ADDR")),
		NatsClusterID:      strings.TrimSpace(os.Getenv("MASTER_NATS_CLUSTER")),
		NatsClientID:       getString("MASTER_NATS_CLIENT", "master-1"),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("MASTER_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("MASTER_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("MASTER_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MASTER_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MASTER_QUERY_CHUNK_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MASTER_QUERY_CHUNK_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.QueryChunkSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MASTER_STRIKE_LIMIT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MASTER_STRIKE_LIMIT must be a positive integer, got %q", raw))
		} else {
			cfg.StrikeLimit = value
		}
	}

	//1.- Parse every duration override with one loop so the error wording stays uniform.
	durations := []struct {
		env    string
		target *time.Duration
	}{
		{"MASTER_PING_INTERVAL", &cfg.PingInterval},
		{"MASTER_ARRANGED_TIMEOUT", &cfg.ArrangedTimeout},
		{"MASTER_CACHE_FRESHNESS", &cfg.CacheFreshness},
		{"MASTER_CACHE_EVICTION", &cfg.CacheEviction},
		{"MASTER_SNAPSHOT_INTERVAL", &cfg.SnapshotInterval},
		{"MASTER_STRIKE_DECAY", &cfg.StrikeDecay},
		{"MASTER_MIN_REQUEST_INTERVAL", &cfg.MinRequestInterval},
		{"MASTER_AUTH_TIMEOUT", &cfg.AuthTimeout},
	}
	for _, entry := range durations {
		raw := strings.TrimSpace(os.Getenv(entry.env))
		if raw == "" {
			continue
		}
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", entry.env, raw))
			continue
		}
		*entry.target = duration
	}

	if raw := strings.TrimSpace(os.Getenv("MASTER_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MASTER_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MASTER_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MASTER_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MASTER_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MASTER_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MASTER_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("MASTER_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
