// Package logging configures the process logger and the protocol debug log.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"filedaq/config"
)

var (
	baseMu sync.RWMutex
	base   = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

// Setup builds the process logger from cfg and installs it as the base for
// For. The returned closer releases the optional log file and debug log.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var out io.Writer
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	case "json":
		out = os.Stdout
	default:
		return zerolog.Nop(), nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	var closers []func()
	if cfg.File != "" {
		fl, err := NewFileLogger(cfg.File)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		closers = append(closers, func() { fl.Close() })
		out = zerolog.MultiLevelWriter(out, fl)
	}

	if cfg.DebugLog != "" {
		dl, err := NewDebugLogger(cfg.DebugLog)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return zerolog.Nop(), nil, err
		}
		dl.SetFilter(cfg.DebugFilter)
		SetGlobalDebugLogger(dl)
		closers = append(closers, func() {
			SetGlobalDebugLogger(nil)
			dl.Close()
		})
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	SetBase(logger)

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return logger, closeAll, nil
}

// SetBase replaces the logger that For derives component loggers from.
func SetBase(l zerolog.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = l
}

// For returns a logger tagged with the component name.
func For(component string) zerolog.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base.With().Str("component", component).Logger()
}
