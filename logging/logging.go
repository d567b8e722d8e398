// Package logging provides the structured logging setup shared by every TRAC
// core process: one configured *logrus.Logger per process, entries carrying
// service/component fields from there down.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Level is the subset of logrus levels services configure from the outside.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls logger construction.
type Config struct {
	Level     Level
	Format    string // "json" or "text"
	Service   string
	Version   string
	AddCaller bool
}

// DefaultConfig returns sensible defaults for a production service.
func DefaultConfig(service, version string) Config {
	return Config{
		Level:   LevelInfo,
		Format:  "json",
		Service: service,
		Version: version,
	}
}

// New creates a *logrus.Logger per Config and returns the base *logrus.Entry
// every component should derive its own logger from via WithField("component", ...).
func New(cfg Config) *logrus.Entry {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}
	logger.SetReportCaller(cfg.AddCaller)

	return logger.WithFields(logrus.Fields{
		"service": cfg.Service,
		"version": cfg.Version,
	})
}

// WithOperation times fn and logs its start/end, following the
// start-operation/end-operation pattern used across the TRAC services.
func WithOperation(log *logrus.Entry, operation string, fn func() error) error {
	start := time.Now()
	entry := log.WithField("operation", operation)
	entry.Debug("operation started")

	err := fn()
	entry = entry.WithField("duration_ms", time.Since(start).Milliseconds())

	if err != nil {
		entry.WithError(err).Error("operation failed")
		return err
	}
	entry.Debug("operation completed")
	return nil
}
