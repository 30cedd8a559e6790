// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // RFC3339, Unix, etc.

	// File, when set, tees output into a size-rotated log file.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
		MaxSizeMB:  100,
		MaxBackups: 3,
	}
}

// Init initializes the global zerolog logger.
func Init(cfg Config) {
	log.Logger = New(cfg, os.Stdout)
}

// New builds a logger writing to out, plus the rotating file when configured.
// It also applies the global level and time format.
func New(cfg Config, out io.Writer) zerolog.Logger {
	// Set time format
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	// Parse log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output format
	output := out
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
		}
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		// The file always gets JSON, whatever the console format.
		output = zerolog.MultiLevelWriter(output, rotator)
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// Logger returns a new logger with common fields for the service.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithSession returns a logger with recording session context.
func WithSession(sessionId, languageTag string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionId).
		Str("languageTag", languageTag).
		Logger()
}

// WithSentence returns a logger with sentence context.
func WithSentence(sessionId, sentenceId string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionId).
		Str("sentenceId", sentenceId).
		Logger()
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}
