// Package logger configures the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string // trace, debug, info, warn, error
	Format     string // json, console
	TimeFormat string
	Output     string // stdout, stderr, or a file path
}

func DefaultConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
		Output:     "stdout",
	}
}

// Setup installs the global logger. The returned closer releases a log file
// when Output names one; it is a no-op otherwise.
func Setup(cfg LogConfig) (io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	out, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	w, err := formatWriter(out, cfg)
	if err != nil {
		closer.Close()
		return nil, err
	}

	zerolog.SetGlobalLevel(level)
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}
	log.Logger = New(w)
	return closer, nil
}

// New builds a logger writing to w with the fields every line carries.
func New(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("service", "commission-ledger").Logger()
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nopCloser{}, nil
	case "stderr":
		return os.Stderr, nopCloser{}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

func formatWriter(out io.Writer, cfg LogConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		return out, nil
	case "console":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: cfg.TimeFormat, NoColor: out != os.Stdout}, nil
	}
	return nil, fmt.Errorf("unknown log format %q", cfg.Format)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// WithComponent returns a child of the global logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
