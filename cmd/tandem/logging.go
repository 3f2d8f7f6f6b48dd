package main

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"
)

// setupLogging points the global logger at w. Stdout is never used so the
// MCP bridge keeps it for protocol frames.
func setupLogging(w io.Writer, level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: true}).
		With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// gormLevel keeps GORM quiet unless debugging.
func gormLevel(level string) logger.LogLevel {
	if parseLevel(level) == zerolog.DebugLevel {
		return logger.Info
	}
	return logger.Silent
}
