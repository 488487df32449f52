// Package logging builds the per-component logrus loggers used across ijoka.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Config controls level and formatting for every logger.
type Config struct {
	// Level is the minimum level ("debug", "info", "warn", "error").
	// IJOKA_LOG_LEVEL overrides it.
	Level string `yaml:"level"`
	// Format is "text" (default) or "json".
	Format string `yaml:"format"`
	// File, when set, receives log output in addition to stderr.
	File string `yaml:"file,omitempty"`
}

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
	current   Config
	output    io.Writer = os.Stderr
)

// Configure applies cfg to loggers created afterwards and to every cached one.
func Configure(cfg Config) error {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	current = cfg
	output = os.Stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		output = io.MultiWriter(os.Stderr, f)
	}
	for _, entry := range loggers {
		apply(entry.Logger)
	}
	return nil
}

// SetOutput redirects every logger to w. Tests use it to capture output.
func SetOutput(w io.Writer) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	output = w
	for _, entry := range loggers {
		entry.Logger.SetOutput(w)
	}
}

// NewLogger returns the logger for component, creating it on first use.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	logger := logrus.New()
	apply(logger)

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}

// apply configures logger from the current settings. Caller must hold loggersMu.
func apply(logger *logrus.Logger) {
	levelStr := "info"
	if env := os.Getenv("IJOKA_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if current.Level != "" {
		levelStr = current.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch current.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		interactive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			DisableColors: !interactive,
		})
	}
	logger.SetOutput(output)
}
