package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used throughout gpulock. It is satisfied by
// *logrus.Logger and *logrus.Entry, allowing component-scoped loggers to be
// derived with WithField.
type Logger interface {
	logrus.FieldLogger
}

// New creates the root logger. Verbose enables debug-level output, quiet
// restricts output to warnings and errors. Verbose wins if both are set.
func New(verbose, quiet bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else if quiet {
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

// Component derives a logger scoped to a named component.
func Component(log Logger, name string) Logger {
	return log.WithField("component", name)
}
