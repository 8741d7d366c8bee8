package util

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Verbosity selects how chatty diagnostics are. It never changes control flow.
type Verbosity int

const (
	Quiet Verbosity = iota
	Normal
	Verbose
)

func ParseVerbosity(s string) (Verbosity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quiet", "q":
		return Quiet, nil
	case "", "normal":
		return Normal, nil
	case "verbose", "v", "debug":
		return Verbose, nil
	}
	return Normal, fmt.Errorf("%w: unknown verbosity %q, expected quiet, normal or verbose", ErrConfig, s)
}

func (v Verbosity) String() string {
	switch v {
	case Quiet:
		return "quiet"
	case Normal:
		return "normal"
	case Verbose:
		return "verbose"
	}
	return fmt.Sprintf("Verbosity(%d)", int(v))
}

// Level is the logrus level that implements v.
func (v Verbosity) Level() logrus.Level {
	switch v {
	case Quiet:
		return logrus.WarnLevel
	case Verbose:
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

// Apply sets the level of l to match v.
func (v Verbosity) Apply(l *logrus.Logger) {
	l.SetLevel(v.Level())
}
