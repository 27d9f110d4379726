// Package logger wraps zap into the small per-component sink used
// throughout this module, named per subsystem ("coordinator",
// "peer.1.2.3.4:6881", ...).
package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var level zap.AtomicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
var verbose int32

// SetVerbose switches every logger created by New to debug level when v is
// true. Intended to be driven by the CLI's -v flag.
func SetVerbose(v bool) {
	if v {
		atomic.StoreInt32(&verbose, 1)
		level.SetLevel(zap.DebugLevel)
	} else {
		atomic.StoreInt32(&verbose, 0)
		level.SetLevel(zap.InfoLevel)
	}
}

// Logger is a named, leveled sink.
type Logger struct {
	*zap.SugaredLogger
	name string
}

// New returns a Logger tagged with name, e.g. New("coordinator").
func New(name string) Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	l, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than panic from a logging
		// constructor; logging must never be why the client fails to run.
		l = zap.NewNop()
	}
	return Logger{SugaredLogger: l.Sugar().Named(name), name: name}
}

// Name returns the component name this logger was constructed with.
func (l Logger) Name() string {
	return l.name
}

// Named returns a child logger with suffix appended to its name, shadowing
// zap.SugaredLogger's own Named so callers keep the Logger type.
func (l Logger) Named(suffix string) Logger {
	return Logger{SugaredLogger: l.SugaredLogger.Named(suffix), name: l.name + "." + suffix}
}
