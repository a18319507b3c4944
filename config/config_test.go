package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
marketfeed:
  name: marketfeed
  version: 0.1.0
feed:
  url: wss://indexer.example.exchange/v4/ws
  symbols:
    - BTC-USD
    - ETH-USD
  heartbeat_interval: 15s
  reconnect:
    max_attempts: 5
    base_delay: 2s
    max_delay: 30s
channels:
  frame_buffer: 1024
orderbook:
  max_depth: 50
candles:
  timeframes:
    - 1m
    - 1h
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("FEED_URL", "")

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Feed.URL != "wss://indexer.example.exchange/v4/ws" {
		t.Fatalf("url = %q", cfg.Feed.URL)
	}
	if len(cfg.Feed.Symbols) != 2 {
		t.Fatalf("symbols = %v", cfg.Feed.Symbols)
	}
	if cfg.Feed.HeartbeatInterval != 15*time.Second {
		t.Fatalf("heartbeat = %v", cfg.Feed.HeartbeatInterval)
	}
	if cfg.Feed.Reconnect.MaxAttempts != 5 {
		t.Fatalf("max attempts = %d", cfg.Feed.Reconnect.MaxAttempts)
	}
	if cfg.Orderbook.MaxDepth != 50 {
		t.Fatalf("max depth = %d", cfg.Orderbook.MaxDepth)
	}

	// Defaults apply where the file is silent.
	if cfg.Feed.HandshakeTimeout != 10*time.Second {
		t.Fatalf("handshake default = %v", cfg.Feed.HandshakeTimeout)
	}
	if cfg.Candles.RSIPeriod != 14 {
		t.Fatalf("rsi default = %d", cfg.Candles.RSIPeriod)
	}
	if cfg.Candles.BollingerMultiplier != 2 {
		t.Fatalf("bollinger multiplier default = %v", cfg.Candles.BollingerMultiplier)
	}
}

func TestLoadConfigFeedURLOverride(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("FEED_URL", "wss://other.exchange/v4/ws")

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Feed.URL != "wss://other.exchange/v4/ws" {
		t.Fatalf("env override not applied: %q", cfg.Feed.URL)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateConfigRejections(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("FEED_URL", "")

	cases := []struct {
		name    string
		mutate  string
		replace string
	}{
		{"missing symbols", "  symbols:\n    - BTC-USD\n    - ETH-USD\n", "  symbols: []\n"},
		{"missing url", "  url: wss://indexer.example.exchange/v4/ws\n", "  url: \"\"\n"},
		{"unknown timeframe", "    - 1h\n", "    - 7m\n"},
		{"zero frame buffer", "  frame_buffer: 1024\n", "  frame_buffer: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			content := strings.Replace(validYAML, tc.mutate, tc.replace, 1)
			if content == validYAML {
				t.Fatalf("mutation %q not applied", tc.mutate)
			}
			if _, err := LoadConfig(writeConfig(t, content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
