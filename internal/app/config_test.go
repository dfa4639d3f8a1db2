package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PRINCIPAL_CACHE_TTL", "45s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 45*time.Second, cfg.PrincipalCacheTTL)
	require.Equal(t, 120, cfg.RateLimitPerMinute)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejects(t *testing.T) {
	t.Setenv("JWT_SECRET", "   ")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "short")
	t.Setenv("APP_ENV", "production")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "32 bytes")

	t.Setenv("APP_ENV", "development")
	t.Setenv("LOG_LEVEL", "loud")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "log level")

	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "0")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestNewLoggerHonoursLevelAndFile(t *testing.T) {
	cfg := &Config{LogFormat: "json", LogLevel: "warn", LogFile: filepath.Join(t.TempDir(), "formula.log")}
	logger := NewLogger(cfg)
	require.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	require.True(t, NewLogger(nil).Enabled(context.Background(), slog.LevelInfo))
}
