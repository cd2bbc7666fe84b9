package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logger handle passed through the orchestrator.
type Logger = *logrus.Logger

// Fields carries structured log fields.
type Fields = logrus.Fields

// NewLogger builds a JSON logger at the level named by LOG_LEVEL
// (debug/warn/error, anything else means info).
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

// NewLoggerWithService returns a logger configured as by NewLogger. The
// service name does not appear on log entries: the returned logger carries
// no default fields.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()
	return logger.WithField("service", serviceName).Logger
}
