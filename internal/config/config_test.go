package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.CacheTTL != 5*time.Minute || cfg.PoolMaxPerKey != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Fatalf("level: %v", cfg.Level())
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SESSIONS_MAX", "2")
	t.Setenv("CACHE_DISABLE_NEGATIVE", "true")
	t.Setenv("OIDC_AUDIENCE", "https://a, https://b")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSessions != 2 || !cfg.DisableNegativeCache {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got := cfg.Audiences(); len(got) != 2 || got[1] != "https://b" {
		t.Fatalf("audiences: %v", got)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Fatalf("level: %v", cfg.Level())
	}
}

func TestValidateJoinsProblems(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("SESSIONS_MAX", "0")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "STORE_DRIVER") || !strings.Contains(msg, "SESSIONS_MAX") {
		t.Fatalf("expected both problems reported, got %q", msg)
	}
}
