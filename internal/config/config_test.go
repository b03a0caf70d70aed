package config

import (
	"testing"
	"time"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when AUTH_JWT_SECRET is missing")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("PORT", "")
	t.Setenv("STT_PROVIDER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Emotion.AudioAcceptThreshold != 0.6 {
		t.Fatalf("expected audio threshold 0.6, got %v", cfg.Emotion.AudioAcceptThreshold)
	}
	if cfg.Emotion.CareTTL != 8*time.Minute {
		t.Fatalf("expected care ttl 8m, got %v", cfg.Emotion.CareTTL)
	}
	if cfg.Speech.Provider != "volcengine" {
		t.Fatalf("expected volcengine provider, got %s", cfg.Speech.Provider)
	}
	if cfg.Session.HeartbeatInterval != 30*time.Second {
		t.Fatalf("expected 30s heartbeat, got %v", cfg.Session.HeartbeatInterval)
	}
}

func TestLoadRejectsThresholdOutOfRange(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("EMOTION_CARE_THRESHOLD", "1.5")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for threshold > 1")
	}
}

func TestParseRetriesEnv(t *testing.T) {
	cases := map[string]int{"": 2, "0": 0, "4": 4}
	for raw, want := range cases {
		t.Setenv("TEST_RETRIES", raw)
		got, err := parseRetriesEnv("TEST_RETRIES")
		if err != nil {
			t.Fatalf("parse %q err: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %d, got %d", raw, want, got)
		}
	}

	for _, raw := range []string{"-1", "9", "many"} {
		t.Setenv("TEST_RETRIES", raw)
		if _, err := parseRetriesEnv("TEST_RETRIES"); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	cases := map[string]time.Duration{
		"":      7 * time.Second,
		"12":    12 * time.Second,
		"250ms": 250 * time.Millisecond,
		"2m":    2 * time.Minute,
	}
	for raw, want := range cases {
		t.Setenv("TEST_DURATION", raw)
		got, err := parseDurationEnv("TEST_DURATION", 7*time.Second)
		if err != nil {
			t.Fatalf("parse %q err: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %v, got %v", raw, want, got)
		}
	}

	t.Setenv("TEST_DURATION", "soon")
	if _, err := parseDurationEnv("TEST_DURATION", time.Second); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoadServerConfigAcceptsHostPort(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	cfg, err := loadServerConfig()
	if err != nil {
		t.Fatalf("loadServerConfig err: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %s", cfg.Addr)
	}
}
