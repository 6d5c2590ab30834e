package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs the default logger from LOG_LEVEL and LOG_FORMAT.
// fallback is the level used when LOG_LEVEL is unset.
func Init(fallback slog.Level) {
	level := fallback
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = ParseLevel(l, fallback)
	}
	slog.SetDefault(New(os.Stderr, level, os.Getenv("LOG_FORMAT")))
}

// ParseLevel maps the LOG_LEVEL names onto slog levels.
func ParseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "production", "prod":
		return slog.LevelError
	}
	return fallback
}

// New builds a text logger, or a JSON one when format is "json".
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
