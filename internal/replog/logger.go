package replog

import (
	"fmt"
	"log"
)

// Logger is the logging interface used by all components of the log core
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StdLogger writes through the standard library logger, prefixing every line with the component, e.g. "[LEADER]".
// Debug output is only written when Verbose is set.
type StdLogger struct {
	Component string
	Verbose   bool
}

// NewStdLogger creates a StdLogger for the given component
func NewStdLogger(component string) *StdLogger {
	return &StdLogger{Component: component}
}

func (l *StdLogger) printf(level, format string, args ...interface{}) {
	log.Printf("[%s] %s %s", l.Component, level, fmt.Sprintf(format, args...))
}

func (l *StdLogger) Debugf(format string, args ...interface{}) {
	if l.Verbose {
		l.printf("DEBUG", format, args...)
	}
}

func (l *StdLogger) Infof(format string, args ...interface{})  { l.printf("INFO", format, args...) }
func (l *StdLogger) Warnf(format string, args ...interface{})  { l.printf("WARN", format, args...) }
func (l *StdLogger) Errorf(format string, args ...interface{}) { l.printf("ERROR", format, args...) }

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Debugf(_ string, _ ...interface{}) {}
func (NopLogger) Infof(_ string, _ ...interface{})  {}
func (NopLogger) Warnf(_ string, _ ...interface{})  {}
func (NopLogger) Errorf(_ string, _ ...interface{}) {}
