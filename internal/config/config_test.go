package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("SESSION_BACKEND", "")

	cfg := Load()
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("expected 5s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.SessionBackend != "file" {
		t.Fatalf("expected file backend, got %q", cfg.SessionBackend)
	}
	if cfg.VariationsPerIdea != 3 {
		t.Fatalf("expected 3 variations, got %d", cfg.VariationsPerIdea)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("POLL_CONCURRENCY", "2")
	t.Setenv("ARTIFACTS_ENABLED", "false")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "not-a-number")

	cfg := Load()
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("poll interval override ignored: %s", cfg.PollInterval)
	}
	if cfg.PollConcurrency != 2 {
		t.Fatalf("poll concurrency override ignored: %d", cfg.PollConcurrency)
	}
	if cfg.ArtifactsEnabled {
		t.Fatalf("expected artifacts disabled")
	}
	if cfg.RateLimitRefill != 0.5 {
		t.Fatalf("expected default refill on parse error, got %v", cfg.RateLimitRefill)
	}
}
