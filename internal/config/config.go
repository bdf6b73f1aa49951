package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ServerPort  string
	Environment string
	NodeID      string

	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	CORSOrigins []string

	// Cross-node relay of broker events through Redis pub/sub
	RedisRelay bool

	// Ephemeral state
	TypingTTL             time.Duration
	TypingSweepInterval   time.Duration
	PresenceWindow        time.Duration
	PresenceSweepInterval time.Duration

	// Sessions
	RequestTimeout time.Duration
	SessionBuffer  int
	WSCommandRate  float64
	WSCommandBurst int

	// HTTP rate limiting
	RateLimitMaxRequests int
	RateLimitWindow      time.Duration
	RateLimitBlockTime   time.Duration

	// Mention export
	WALPath            string
	KafkaBrokers       []string
	KafkaMentionsTopic string
	ExportInterval     time.Duration
}

var (
	ErrMissingJWTSecret   = errors.New("JWT_SECRET is required")
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", ":8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("NODE_ID", "node-1")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REDIS_RELAY", false)

	v.SetDefault("TYPING_TTL", "5s")
	v.SetDefault("TYPING_SWEEP_INTERVAL", "2s")
	v.SetDefault("PRESENCE_WINDOW", "45s")
	v.SetDefault("PRESENCE_SWEEP_INTERVAL", "15s")

	v.SetDefault("REQUEST_TIMEOUT", "5s")
	v.SetDefault("SESSION_BUFFER", 256)
	v.SetDefault("WS_COMMAND_RATE", 10.0)
	v.SetDefault("WS_COMMAND_BURST", 20)

	v.SetDefault("RATE_LIMIT_MAX_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("RATE_LIMIT_BLOCK_TIME", "5m")

	v.SetDefault("WAL_PATH", "data/wal_mentions")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_MENTIONS_TOPIC", "chat.mentions")
	v.SetDefault("EXPORT_INTERVAL", "5s")
}

// Load reads configuration from an optional .env file, the process
// environment and, when CONFIG_FILE is set, a config file. Environment
// variables win over the file.
func Load() (*Config, error) {
	// Docker containers use environment variables directly
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ServerPort:  v.GetString("SERVER_PORT"),
		Environment: v.GetString("ENVIRONMENT"),
		NodeID:      v.GetString("NODE_ID"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisURL:    v.GetString("REDIS_URL"),
		JWTSecret:   v.GetString("JWT_SECRET"),
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
		RedisRelay:  v.GetBool("REDIS_RELAY"),

		TypingTTL:             v.GetDuration("TYPING_TTL"),
		TypingSweepInterval:   v.GetDuration("TYPING_SWEEP_INTERVAL"),
		PresenceWindow:        v.GetDuration("PRESENCE_WINDOW"),
		PresenceSweepInterval: v.GetDuration("PRESENCE_SWEEP_INTERVAL"),

		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
		SessionBuffer:  v.GetInt("SESSION_BUFFER"),
		WSCommandRate:  v.GetFloat64("WS_COMMAND_RATE"),
		WSCommandBurst: v.GetInt("WS_COMMAND_BURST"),

		RateLimitMaxRequests: v.GetInt("RATE_LIMIT_MAX_REQUESTS"),
		RateLimitWindow:      v.GetDuration("RATE_LIMIT_WINDOW"),
		RateLimitBlockTime:   v.GetDuration("RATE_LIMIT_BLOCK_TIME"),

		WALPath:            v.GetString("WAL_PATH"),
		KafkaBrokers:       splitList(v.GetString("KAFKA_BROKERS")),
		KafkaMentionsTopic: v.GetString("KAFKA_MENTIONS_TOPIC"),
		ExportInterval:     v.GetDuration("EXPORT_INTERVAL"),
	}

	if cfg.JWTSecret == "" {
		return nil, ErrMissingJWTSecret
	}
	if cfg.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	if cfg.TypingTTL <= 0 {
		return nil, fmt.Errorf("TYPING_TTL must be positive, got %s", cfg.TypingTTL)
	}
	if cfg.PresenceWindow <= 0 {
		return nil, fmt.Errorf("PRESENCE_WINDOW must be positive, got %s", cfg.PresenceWindow)
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ExportEnabled reports whether mention notifications are shipped to Kafka.
func (c *Config) ExportEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
