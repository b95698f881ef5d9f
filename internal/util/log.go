// Package util provides the leveled logger and traffic counters shared by the
// node, its transport and its front ends.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
)

// Logger is the leveled log sink used across the module.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Log is a Logger backed by its own pterm logger instance.
type Log struct {
	pl *pterm.Logger
}

// NewLogger writes to w (stderr when nil). debug enables debug messages.
func NewLogger(w io.Writer, debug bool) *Log {
	if w == nil {
		w = os.Stderr
	}

	pl := pterm.DefaultLogger
	pl.ShowTime = true
	pl.TimeFormat = "02 Jan 15:04:05"
	pl.MaxWidth = 1000
	pl.Writer = w
	pl.Level = pterm.LogLevelInfo
	if debug {
		pl.Level = pterm.LogLevelDebug
	}
	return &Log{pl: &pl}
}

// Discard returns a logger that drops everything.
func Discard() *Log {
	return NewLogger(io.Discard, true)
}

func (l *Log) Debug(format string, args ...any) { l.pl.Debug(fmt.Sprintf(format, args...)) }
func (l *Log) Info(format string, args ...any)  { l.pl.Info(fmt.Sprintf(format, args...)) }
func (l *Log) Warn(format string, args ...any)  { l.pl.Warn(fmt.Sprintf(format, args...)) }
func (l *Log) Error(format string, args ...any) { l.pl.Error(fmt.Sprintf(format, args...)) }

// Prefixed returns a logger that prepends prefix to every message.
func Prefixed(l Logger, prefix string) Logger {
	return prefixed{l: l, p: prefix + " "}
}

type prefixed struct {
	l Logger
	p string
}

func (p prefixed) Debug(format string, args ...any) { p.l.Debug(p.p+format, args...) }
func (p prefixed) Info(format string, args ...any)  { p.l.Info(p.p+format, args...) }
func (p prefixed) Warn(format string, args ...any)  { p.l.Warn(p.p+format, args...) }
func (p prefixed) Error(format string, args ...any) { p.l.Error(p.p+format, args...) }
