package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger builds a slog.Logger from LOG_LEVEL and LOG_FORMAT.
// Format "json" is intended for production; "console" uses tint for
// colorized local development output.
func NewLogger() *slog.Logger {
	level := parseLevel(GetEnv("LOG_LEVEL", "info"))

	switch GetEnv("LOG_FORMAT", "json") {
	case "console":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		}))
	default:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
