// Package logging wires log/slog to a zerolog backend.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"

	KeyComponent = "component"
)

type Config struct {
	Level  string
	Format string
}

// New builds a slog.Logger writing through zerolog to w.
func New(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	var zl zerolog.Logger
	switch strings.ToLower(cfg.Format) {
	case "", FormatConsole:
		zl = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}).With().Timestamp().Logger()
	case FormatJSON:
		zl = zerolog.New(w).With().Timestamp().Logger()
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
	return slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: level})), nil
}

// Setup builds the logger and installs it as the slog default.
func Setup(cfg Config) (*slog.Logger, error) {
	logger, err := New(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unsupported log level %q", s)
}

// Error returns an "error" attribute carrying the error message.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}
