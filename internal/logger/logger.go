package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New в development пишет в консоль в читаемом виде, в остальных окружениях JSON.
func New(env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if env == "development" || env == "" {
		out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
		return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "violation-service").
		Logger()
}
