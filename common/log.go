package common

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns the logger shared by the CLI and the hardening pipeline.
// Diagnostics go to stderr; verbose enables debug output.
func NewLogger(verbose bool) *logrus.Logger {
	return newLogger(os.Stderr, verbose)
}

func newLogger(w io.Writer, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// DiscardLogger returns a logger that drops everything. Used when callers
// pass no logger.
func DiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
