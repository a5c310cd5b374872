package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CHAT_FLUSH_INTERVAL", "")
	t.Setenv("ALLOWED_ORIGINS", "")

	cfg := Load()
	if cfg.Port != "8787" {
		t.Fatalf("expected default port 8787, got %q", cfg.Port)
	}
	if cfg.Chat.FlushInterval != 150*time.Millisecond {
		t.Fatalf("expected 150ms flush interval, got %s", cfg.Chat.FlushInterval)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("expected open origin policy, got %v", cfg.AllowedOrigins)
	}
	if cfg.Chat.ContextWindowSize != 0 {
		t.Fatalf("expected full history by default, got %d", cfg.Chat.ContextWindowSize)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CHAT_STREAM_IDLE_TIMEOUT", "5s")
	t.Setenv("CHAT_TEMPERATURE", "not-a-number")
	t.Setenv("REDIS_DB", "3")

	cfg := Load()
	if cfg.Port != "9000" {
		t.Fatalf("unexpected port %q", cfg.Port)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.Chat.StreamIdleTimeout != 5*time.Second {
		t.Fatalf("unexpected idle timeout %s", cfg.Chat.StreamIdleTimeout)
	}
	if cfg.Chat.Temperature != 0.8 {
		t.Fatalf("bad value should fall back to default, got %v", cfg.Chat.Temperature)
	}
	if cfg.RedisDB != 3 {
		t.Fatalf("unexpected redis db %d", cfg.RedisDB)
	}
}
