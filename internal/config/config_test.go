package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default address %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.ArrangedTimeout != DefaultArrangedTimeout {
		t.Fatalf("expected default arranged timeout %v, got %v", DefaultArrangedTimeout, cfg.ArrangedTimeout)
	}
	if cfg.StrikeLimit != DefaultStrikeLimit {
		t.Fatalf("expected default strike limit %d, got %d", DefaultStrikeLimit, cfg.StrikeLimit)
	}
	if cfg.Logging.Path != DefaultLogPath {
		t.Fatalf("expected default log path %q, got %q", DefaultLogPath, cfg.Logging.Path)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MASTER_ADDR", ":28000")
	t.Setenv("MASTER_ARRANGED_TIMEOUT", "7s")
	t.Setenv("MASTER_QUERY_CHUNK_SIZE", "32")
	t.Setenv("MASTER_STRIKE_LIMIT", "5")
	t.Setenv("MASTER_LOG_COMPRESS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Address != ":28000" {
		t.Fatalf("address override ignored: %q", cfg.Address)
	}
	if cfg.ArrangedTimeout != 7*time.Second {
		t.Fatalf("arranged timeout override ignored: %v", cfg.ArrangedTimeout)
	}
	if cfg.QueryChunkSize != 32 {
		t.Fatalf("chunk size override ignored: %d", cfg.QueryChunkSize)
	}
	if cfg.StrikeLimit != 5 {
		t.Fatalf("strike limit override ignored: %d", cfg.StrikeLimit)
	}
	if cfg.Logging.Compress {
		t.Fatalf("log compress override ignored")
	}
}

func TestLoadCollectsProblems(t *testing.T) {
	t.Setenv("MASTER_ARRANGED_TIMEOUT", "soon")
	t.Setenv("MASTER_QUERY_CHUNK_SIZE", "-4")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error for invalid overrides")
	}
	message := err.Error()
	if !strings.Contains(message, "MASTER_ARRANGED_TIMEOUT") || !strings.Contains(message, "MASTER_QUERY_CHUNK_SIZE") {
		t.Fatalf("expected both problems reported, got %q", message)
	}
}
