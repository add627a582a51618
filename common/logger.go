// Package common provides the nucleus engine's shared logging
// configuration, layered on top of logrus.
package common

import (
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel is a minimum log severity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LoggerConfig controls how NewLogger builds a logrus.Logger.
type LoggerConfig struct {
	Level      LogLevel
	Format     string // "json" or "text"
	AddCaller  bool
	TimeFormat string
}

// DefaultLoggerConfig returns development-friendly defaults: info level,
// text format, RFC3339 timestamps.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:      LogLevelInfo,
		Format:     "text",
		TimeFormat: time.RFC3339,
	}
}

// NewLogger builds a logrus.Logger from config, routed through
// OutputSplitter so error-level entries land on stderr.
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	switch config.Level {
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LogLevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: config.TimeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: config.TimeFormat, FullTimestamp: true})
	}

	logger.SetReportCaller(config.AddCaller)
	logger.SetOutput(&OutputSplitter{})
	return logger
}
