// Package logger defines the logging interface used across meepo.
package logger

import (
	"fmt"
	"io"
	"os"
)

// Logger takes in a message and tag pairs.
type Logger interface {
	Debug(msg string, tags ...interface{})
	Info(msg string, tags ...interface{})
	Warn(msg string, tags ...interface{})
	Error(msg string, tags ...interface{})
}

type logger struct{ out io.Writer }

// New creates a logger that writes to stdout.
func New() Logger { return &logger{os.Stdout} }

// NewWriter creates a logger that writes to out.
func NewWriter(out io.Writer) Logger { return &logger{out} }

func (l *logger) print(msg string, tags ...interface{}) {
	fmt.Fprintln(l.out, append([]interface{}{msg}, tags...)...)
}

// Debug creates a debug log entry.
func (l *logger) Debug(msg string, tags ...interface{}) { l.print(msg, tags...) }

// Info creates an info log entry.
func (l *logger) Info(msg string, tags ...interface{}) { l.print(msg, tags...) }

// Warn creates a warn log entry.
func (l *logger) Warn(msg string, tags ...interface{}) { l.print(msg, tags...) }

// Error creates an error log entry.
func (l *logger) Error(msg string, tags ...interface{}) { l.print(msg, tags...) }

type prefixed struct {
	l      Logger
	prefix string
}

// Prefixed wraps l so every message carries a component name, e.g.
// "meepo.pub.mysql: streaming binlog". A nil l defaults to New().
func Prefixed(l Logger, name string) Logger {
	if l == nil {
		l = New()
	}
	return &prefixed{l: l, prefix: name + ": "}
}

func (p *prefixed) Debug(msg string, tags ...interface{}) { p.l.Debug(p.prefix+msg, tags...) }
func (p *prefixed) Info(msg string, tags ...interface{})  { p.l.Info(p.prefix+msg, tags...) }
func (p *prefixed) Warn(msg string, tags ...interface{})  { p.l.Warn(p.prefix+msg, tags...) }
func (p *prefixed) Error(msg string, tags ...interface{}) { p.l.Error(p.prefix+msg, tags...) }

type nop struct{}

// Nop returns a logger that discards everything.
func Nop() Logger { return nop{} }

func (nop) Debug(msg string, tags ...interface{}) {}
func (nop) Info(msg string, tags ...interface{})  {}
func (nop) Warn(msg string, tags ...interface{})  {}
func (nop) Error(msg string, tags ...interface{}) {}
