// Package logging configures the structured logger every chaptr component
// shares. Output is JSON so log lines survive aggregation intact.
package logging

import (
	"github.com/sirupsen/logrus"

	"chaptr/pkg/config"
)

// Logger is the shared logger handle.
type Logger = *logrus.Logger

// Fields attaches structured context to a log entry.
type Fields = logrus.Fields

// Level represents a log level
type Level = logrus.Level

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger returns a JSON logger at the level LOG_LEVEL selects.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService tags every entry with the service name.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()
	logger = logger.WithField("service", serviceName).Logger
	return logger
}
