package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(values map[string]any) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for k, val := range values {
		v.Set(k, val)
	}
	return v
}

func TestFromViper_Defaults(t *testing.T) {
	cfg, err := FromViper(newViper(map[string]any{
		"JWT_SECRET":   "secret",
		"DATABASE_URL": "sqlite:chat.db",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ServerPort)
	assert.Equal(t, 5*time.Second, cfg.TypingTTL)
	assert.Equal(t, 45*time.Second, cfg.PresenceWindow)
	assert.Equal(t, 100, cfg.RateLimitMaxRequests)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, "chat.mentions", cfg.KafkaMentionsTopic)
	assert.False(t, cfg.ExportEnabled())
	assert.False(t, cfg.IsProduction())
}

func TestFromViper_RequiresSecrets(t *testing.T) {
	_, err := FromViper(newViper(map[string]any{"DATABASE_URL": "sqlite:x"}))
	assert.ErrorIs(t, err, ErrMissingJWTSecret)

	_, err = FromViper(newViper(map[string]any{"JWT_SECRET": "s"}))
	assert.ErrorIs(t, err, ErrMissingDatabaseURL)
}

func TestFromViper_RejectsNonPositiveTTL(t *testing.T) {
	_, err := FromViper(newViper(map[string]any{
		"JWT_SECRET":   "s",
		"DATABASE_URL": "sqlite:x",
		"TYPING_TTL":   "0s",
	}))
	assert.Error(t, err)
}

func TestFromViper_Lists(t *testing.T) {
	cfg, err := FromViper(newViper(map[string]any{
		"JWT_SECRET":    "s",
		"DATABASE_URL":  "sqlite:x",
		"KAFKA_BROKERS": "k1:9092, k2:9092,,",
		"CORS_ORIGINS":  "https://a.example,https://b.example",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.True(t, cfg.ExportEnabled())
}

func TestLoad_EnvironmentAndFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "chat.yaml")
	require.NoError(t, os.WriteFile(file, []byte("DATABASE_URL: sqlite:file.db\nTYPING_TTL: 3s\n"), 0o644))

	t.Setenv("CONFIG_FILE", file)
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("TYPING_TTL", "7s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.Equal(t, "sqlite:file.db", cfg.DatabaseURL)
	// environment wins over file
	assert.Equal(t, 7*time.Second, cfg.TypingTTL)
}
