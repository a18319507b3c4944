package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketfeed MarketfeedConfig `yaml:"marketfeed"`
	Feed       FeedConfig       `yaml:"feed"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Orderbook  OrderbookConfig  `yaml:"orderbook"`
	Candles    CandlesConfig    `yaml:"candles"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type MarketfeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	URL               string          `yaml:"url"`
	Symbols           []string        `yaml:"symbols"`
	ReadTimeout       time.Duration   `yaml:"read_timeout"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	HandshakeTimeout  time.Duration   `yaml:"handshake_timeout"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	JitterSeed  int64         `yaml:"jitter_seed"`
}

type RateLimitConfig struct {
	FramesPerSecond int `yaml:"frames_per_second"`
	BurstSize       int `yaml:"burst_size"`
}

type ChannelsConfig struct {
	FrameBuffer int `yaml:"frame_buffer"`
}

type OrderbookConfig struct {
	MaxDepth         int           `yaml:"max_depth"`
	MaxSpreadBps     float64       `yaml:"max_spread_bps"`
	StalenessWindow  time.Duration `yaml:"staleness_window"`
	CrossedTolerance float64       `yaml:"crossed_tolerance_bps"`
}

type CandlesConfig struct {
	Timeframes          []string `yaml:"timeframes"`
	HistorySize         int      `yaml:"history_size"`
	EMAPeriods          []int    `yaml:"ema_periods"`
	RSIPeriod           int      `yaml:"rsi_period"`
	BollingerPeriod     int      `yaml:"bollinger_period"`
	BollingerMultiplier float64  `yaml:"bollinger_multiplier"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Timeframes supported by the candle aggregator and the candle channel
// resolution parameter.
var ValidTimeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, "config/config.yml", map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Feed: FeedConfig{
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      5 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			Reconnect: ReconnectConfig{
				MaxAttempts: 10,
				BaseDelay:   time.Second,
				MaxDelay:    time.Minute,
			},
			RateLimit: RateLimitConfig{FramesPerSecond: 2, BurstSize: 10},
		},
		Orderbook: OrderbookConfig{
			MaxDepth:         100,
			MaxSpreadBps:     1000,
			StalenessWindow:  60 * time.Second,
			CrossedTolerance: 0,
		},
		Candles: CandlesConfig{
			HistorySize:         500,
			EMAPeriods:          []int{12, 26},
			RSIPeriod:           14,
			BollingerPeriod:     20,
			BollingerMultiplier: 2,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override feed endpoint from environment when provided
	if v := os.Getenv("FEED_URL"); v != "" {
		config.Feed.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" && config.Metrics.CloudWatch.Enabled {
		config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Marketfeed.Name == "" {
		return fmt.Errorf("marketfeed.name is required")
	}

	if cfg.Marketfeed.Version == "" {
		return fmt.Errorf("marketfeed.version is required")
	}

	if cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if len(cfg.Feed.Symbols) == 0 {
		return fmt.Errorf("feed.symbols must not be empty")
	}
	if cfg.Feed.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("feed.reconnect.max_attempts must be greater than 0")
	}
	if cfg.Feed.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("feed.reconnect.base_delay must be greater than 0")
	}
	if cfg.Feed.Reconnect.MaxDelay < cfg.Feed.Reconnect.BaseDelay {
		return fmt.Errorf("feed.reconnect.max_delay must not be below base_delay")
	}
	if cfg.Feed.HeartbeatInterval <= 0 {
		return fmt.Errorf("feed.heartbeat_interval must be greater than 0")
	}

	if cfg.Channels.FrameBuffer <= 0 {
		return fmt.Errorf("channels.frame_buffer must be greater than 0")
	}

	if cfg.Orderbook.MaxDepth <= 0 {
		return fmt.Errorf("orderbook.max_depth must be greater than 0")
	}
	if cfg.Orderbook.MaxSpreadBps <= 0 {
		return fmt.Errorf("orderbook.max_spread_bps must be greater than 0")
	}
	if cfg.Orderbook.StalenessWindow <= 0 {
		return fmt.Errorf("orderbook.staleness_window must be greater than 0")
	}

	if len(cfg.Candles.Timeframes) == 0 {
		return fmt.Errorf("candles.timeframes must not be empty")
	}
	for _, tf := range cfg.Candles.Timeframes {
		if _, ok := ValidTimeframes[tf]; !ok {
			return fmt.Errorf("candles.timeframes contains unknown timeframe '%s'", tf)
		}
	}
	if cfg.Candles.HistorySize <= 0 {
		return fmt.Errorf("candles.history_size must be greater than 0")
	}
	for _, period := range cfg.Candles.EMAPeriods {
		if period <= 1 {
			return fmt.Errorf("candles.ema_periods must all be greater than 1")
		}
	}
	if cfg.Candles.RSIPeriod <= 1 {
		return fmt.Errorf("candles.rsi_period must be greater than 1")
	}
	if cfg.Candles.BollingerPeriod <= 1 {
		return fmt.Errorf("candles.bollinger_period must be greater than 1")
	}
	if cfg.Candles.BollingerMultiplier <= 0 {
		return fmt.Errorf("candles.bollinger_multiplier must be greater than 0")
	}

	return nil
}
