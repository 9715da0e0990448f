package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketstream MarketstreamConfig `yaml:"marketstream"`
	Logging      LoggingConfig      `yaml:"logging"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Feed         FeedConfig         `yaml:"feed"`
	Ranking      RankingConfig      `yaml:"ranking"`
	Server       ServerConfig       `yaml:"server"`
	Client       ClientConfig       `yaml:"client"`
	Cache        CacheConfig        `yaml:"cache"`
	Archive      ArchiveConfig      `yaml:"archive"`
}

type MarketstreamConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	CloudWatch    bool   `yaml:"cloudwatch"`
	Region        string `yaml:"region"`
	Namespace     string `yaml:"namespace"`
	DashboardName string `yaml:"dashboard_name"`
}

type ChannelsConfig struct {
	TickBuffer int `yaml:"tick_buffer"`
}

type FeedConfig struct {
	Binance BinanceFeedConfig `yaml:"binance"`
}

type BinanceFeedConfig struct {
	Enabled        bool               `yaml:"enabled"`
	Symbols        []string           `yaml:"symbols"`
	QuoteFilter    string             `yaml:"quote_filter"`
	ReconnectDelay time.Duration      `yaml:"reconnect_delay"`
	DelistAfter    time.Duration      `yaml:"delist_after"`
	OpenInterest   OpenInterestConfig `yaml:"open_interest"`
}

type OpenInterestConfig struct {
	Enabled           bool          `yaml:"enabled"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
}

type RankingConfig struct {
	PublishInterval time.Duration `yaml:"publish_interval"`
}

type ServerConfig struct {
	Address           string        `yaml:"address"`
	StreamPath        string        `yaml:"stream_path"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

type ClientConfig struct {
	Enabled               bool          `yaml:"enabled"`
	URL                   string        `yaml:"url"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	InitialReconnectDelay time.Duration `yaml:"initial_reconnect_delay"`
	MaxReconnectDelay     time.Duration `yaml:"max_reconnect_delay"`
	FlashWindow           time.Duration `yaml:"flash_window"`
}

type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	TTL      time.Duration `yaml:"ttl"`
}

type ArchiveConfig struct {
	S3            S3Config      `yaml:"s3"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBatch      int           `yaml:"max_batch"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LoadConfig reads and validates the service configuration, applying
// environment variable overrides for credentials and endpoints.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Channels: ChannelsConfig{TickBuffer: 1024},
		Feed: FeedConfig{
			Binance: BinanceFeedConfig{
				Enabled:        true,
				QuoteFilter:    "USDT",
				ReconnectDelay: 5 * time.Second,
				DelistAfter:    5 * time.Minute,
				OpenInterest: OpenInterestConfig{
					PollInterval:      time.Minute,
					RequestsPerSecond: 5,
					BurstSize:         10,
				},
			},
		},
		Ranking: RankingConfig{PublishInterval: 3 * time.Second},
		Server: ServerConfig{
			Address:           "0.0.0.0:8080",
			StreamPath:        "/v1/ws/top-gainers",
			SendQueueSize:     8,
			HeartbeatInterval: 30 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		Client: ClientConfig{
			Enabled:               true,
			HeartbeatInterval:     30 * time.Second,
			InitialReconnectDelay: time.Second,
			MaxReconnectDelay:     30 * time.Second,
			FlashWindow:           600 * time.Millisecond,
		},
		Cache: CacheConfig{
			Redis: RedisConfig{
				Address: "127.0.0.1:6379",
				Key:     "marketstream:last_snapshot",
				TTL:     time.Minute,
			},
		},
		Archive: ArchiveConfig{
			FlushInterval: time.Minute,
			MaxBatch:      500,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg.Archive.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if cfg.Cache.Redis.Enabled {
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			cfg.Cache.Redis.Address = strings.TrimSpace(v)
		}
		if v := os.Getenv("REDIS_PASSWORD"); v != "" {
			cfg.Cache.Redis.Password = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Marketstream.Name == "" {
		return fmt.Errorf("marketstream.name is required")
	}

	if cfg.Marketstream.Version == "" {
		return fmt.Errorf("marketstream.version is required")
	}

	if cfg.Channels.TickBuffer <= 0 {
		return fmt.Errorf("channels.tick_buffer must be greater than 0")
	}

	if cfg.Ranking.PublishInterval <= 0 {
		return fmt.Errorf("ranking.publish_interval must be greater than 0")
	}

	if cfg.Server.SendQueueSize <= 0 {
		return fmt.Errorf("server.send_queue_size must be greater than 0")
	}

	if cfg.Server.HeartbeatInterval <= 0 {
		return fmt.Errorf("server.heartbeat_interval must be greater than 0")
	}

	if !strings.HasPrefix(cfg.Server.StreamPath, "/") {
		return fmt.Errorf("server.stream_path must start with '/'")
	}

	if cfg.Client.Enabled {
		if cfg.Client.InitialReconnectDelay <= 0 {
			return fmt.Errorf("client.initial_reconnect_delay must be greater than 0")
		}
		if cfg.Client.MaxReconnectDelay < cfg.Client.InitialReconnectDelay {
			return fmt.Errorf("client.max_reconnect_delay must not be below client.initial_reconnect_delay")
		}
	}

	if cfg.Feed.Binance.Enabled && cfg.Feed.Binance.OpenInterest.Enabled {
		if cfg.Feed.Binance.OpenInterest.RequestsPerSecond <= 0 {
			return fmt.Errorf("feed.binance.open_interest.requests_per_second must be greater than 0")
		}
	}

	if cfg.Archive.S3.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when the archive is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when the archive is enabled")
		}
	}

	return nil
}
