package libpop

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/upa/libpop/config"
	"github.com/upa/libpop/util"
	"golang.org/x/term"
)

// configLogger applies logging.* to l. It runs again on every reload.
func configLogger(l *logrus.Logger, c *config.C) error {
	level, err := logLevel(c)
	if err != nil {
		return err
	}

	formatter, err := logFormatter(c, isTerminal(l))
	if err != nil {
		return err
	}

	l.SetLevel(level)
	l.Formatter = formatter
	return nil
}

// logLevel prefers an explicit logging.level over logging.verbosity.
func logLevel(c *config.C) (logrus.Level, error) {
	if c.IsSet("logging.level") {
		level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
		if err != nil {
			return 0, fmt.Errorf("%w: %s; possible levels: %s", util.ErrConfig, err, logrus.AllLevels)
		}
		return level, nil
	}

	v, err := util.ParseVerbosity(c.GetString("logging.verbosity", "normal"))
	if err != nil {
		return 0, err
	}
	return v.Level(), nil
}

func logFormatter(c *config.C, tty bool) (logrus.Formatter, error) {
	noTimestamp := c.GetBool("logging.disable_timestamp", false)
	tsFormat := c.GetString("logging.timestamp_format", "")
	fullTimestamp := tsFormat != ""
	if tsFormat == "" {
		tsFormat = time.RFC3339
	}

	switch format := strings.ToLower(c.GetString("logging.format", "text")); format {
	case "text":
		return &logrus.TextFormatter{
			TimestampFormat:  tsFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: noTimestamp,
			DisableColors:    !c.GetBool("logging.colors", tty),
		}, nil
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat:  tsFormat,
			DisableTimestamp: noTimestamp,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown logging.format %q, expected text or json", util.ErrConfig, format)
	}
}

func isTerminal(l *logrus.Logger) bool {
	f, ok := l.Out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
