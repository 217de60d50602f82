// Package logging builds the logrus loggers used by every role.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LogArgs is embedded in go-arg argument structs.
type LogArgs struct {
	LogLevel string `arg:"-l,--log-level" help:"log level (debug, info, warn, error); overrides the config file"`
}

// NewLogger returns a text logger on stderr at level. An unknown level falls
// back to info.
func NewLogger(level string) *logrus.Logger {
	return newLogger(os.Stderr, level)
}

func newLogger(w io.Writer, level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// ForRole returns an entry tagged with the node role.
func ForRole(log *logrus.Logger, role string) *logrus.Entry {
	return log.WithField("role", role)
}

// Discard returns an entry that writes nowhere, for tests.
func Discard() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
