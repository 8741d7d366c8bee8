// Package test holds helpers shared by the package tests.
package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var levels = map[string]logrus.Level{
	"1": logrus.InfoLevel,
	"2": logrus.DebugLevel,
	"3": logrus.TraceLevel,
}

// NewLogger returns a logger that discards everything unless TEST_LOGS is 1 (info), 2 (debug) or 3 (trace).
func NewLogger() *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true}

	level, ok := levels[os.Getenv("TEST_LOGS")]
	if !ok {
		l.SetOutput(io.Discard)
		return l
	}

	l.SetLevel(level)
	return l
}
