// Package log builds the logrus loggers used by every component.
package log

import (
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// DebugEnv forces debug level when set to a true value.
const DebugEnv = "LIVE_DEBUG"

var debug bool

func init() {
	var err error
	debug, err = strconv.ParseBool(os.Getenv(DebugEnv))
	if err != nil {
		debug = false
	}
}

// New returns a logger with provided level. Unknown levels fall back to
// info.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	if debug {
		lvl = logrus.DebugLevel
	}
	l.SetLevel(lvl)
	return l
}

// Discard returns a logger that writes nothing. It's used by tests and as
// default for components created without a logger.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// Component returns an entry tagged with the component name.
func Component(l logrus.FieldLogger, name string) *logrus.Entry {
	return l.WithField("component", name)
}
