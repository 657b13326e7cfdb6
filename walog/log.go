// Package walog provides the logging interface used across wacore.
//
// It mirrors the teacher's ambient logging idiom (cli.Log.Warnf, a Sub-able
// leveled logger) but is backed by zerolog instead of a hand-rolled
// formatter.
package walog

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is a leveled, nameable logger. Implementations must be safe for
// concurrent use; the connection serializer and any crypto-offload
// goroutines log through the same instance.
type Logger interface {
	Debugf(msg string, args ...any)
	Infof(msg string, args ...any)
	Warnf(msg string, args ...any)
	Errorf(msg string, args ...any)
	// Sub returns a child logger tagged with module, e.g. Log.Sub("Recv").
	Sub(module string) Logger
}

// zeroLogger adapts zerolog.Logger to the Logger interface.
type zeroLogger struct {
	z      zerolog.Logger
	module string
}

// New creates a Logger writing to w at the given minimum level
// ("debug", "info", "warn", "error").
func New(w io.Writer, level string) Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	z := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &zeroLogger{z: z}
}

// Noop returns a Logger that discards everything, used as the zero-value
// default when a caller doesn't supply one.
func Noop() Logger {
	return &zeroLogger{z: zerolog.New(io.Discard)}
}

func (l *zeroLogger) Debugf(msg string, args ...any) { l.event(l.z.Debug(), msg, args...) }
func (l *zeroLogger) Infof(msg string, args ...any)  { l.event(l.z.Info(), msg, args...) }
func (l *zeroLogger) Warnf(msg string, args ...any)  { l.event(l.z.Warn(), msg, args...) }
func (l *zeroLogger) Errorf(msg string, args ...any) { l.event(l.z.Error(), msg, args...) }

func (l *zeroLogger) event(e *zerolog.Event, msg string, args ...any) {
	if l.module != "" {
		e = e.Str("module", l.module)
	}
	e.Msgf(msg, args...)
}

func (l *zeroLogger) Sub(module string) Logger {
	next := l.module
	if next == "" {
		next = module
	} else {
		next = next + "/" + module
	}
	return &zeroLogger{z: l.z, module: next}
}
