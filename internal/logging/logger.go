package logging

import (
	"log/slog"
	"os"
	"strings"
)

var Logger *slog.Logger

func init() {
	Configure("info")
}

// Configure replaces the process-wide logger. Safe to call again after the
// config file has been loaded.
func Configure(level string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	Logger = slog.New(handler)
}

func WithComponent(component string) *slog.Logger {
	return Logger.With("component", component)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
