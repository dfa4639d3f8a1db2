package app

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger returns a configured slog.Logger based on configuration. When LOG_FILE is set,
// output goes to a rotating file instead of stdout.
func NewLogger(cfg *Config) *slog.Logger {
	var (
		out    io.Writer = os.Stdout
		level            = slog.LevelInfo
		format string
	)
	if cfg != nil {
		if parsed, err := parseLevel(cfg.LogLevel); err == nil {
			level = parsed
		}
		format = cfg.LogFormat
		if cfg.LogFile != "" {
			out = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    100, // MB
				MaxBackups: 10,
				MaxAge:     30,
				Compress:   true,
			}
		}
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
