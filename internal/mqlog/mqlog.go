// Package mqlog is the Logger capability every storage engine carries:
// a named, hierarchical sink whose name path is prefixed to every
// record, with child engines inheriting and extending their parent's
// path (e.g. "COMPLEX.BACK.THROTTLE.BODYSTORE.INFO").
//
// The backend is zerolog; this package only adds the name-path
// bookkeeping the storage engines rely on.
package mqlog

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the six levels named in the storage design: debug,
// info, warning, error, alert, emergency. zerolog has no alert or
// emergency level, so those are synthesized as error-level records
// carrying an extra "severity" field (see Alert/Emergency below).
type Level string

const (
	Debug     Level = "debug"
	Info      Level = "info"
	Warning   Level = "warning"
	ErrorLvl  Level = "error"
	Alert     Level = "alert"
	Emergency Level = "emergency"
)

// Config controls the base logger built by New.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is a named child of a base zerolog.Logger. The zero value is
// not usable; construct one with New and derive children with Named.
type Logger struct {
	base zerolog.Logger
	path []string
}

// New builds a root Logger from cfg.
func New(cfg Config) Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case Debug:
		level = zerolog.DebugLevel
	case Info:
		level = zerolog.InfoLevel
	case Warning:
		level = zerolog.WarnLevel
	case ErrorLvl, Alert, Emergency:
		level = zerolog.ErrorLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var base zerolog.Logger
	if cfg.JSONOutput {
		base = zerolog.New(out).Level(level).With().Timestamp().Logger()
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).Level(level).With().Timestamp().Logger()
	}
	return Logger{base: base}
}

// Named returns a child logger whose path is the parent's path plus
// name. Setting the name path on a parent engine and handing child
// engines a Named() logger is how the name-path propagation described
// in the storage design is realized in Go: there is no mutable
// "set names on a running tree" operation, children are constructed
// with their path already resolved.
func (l Logger) Named(name string) Logger {
	path := append(append([]string{}, l.path...), name)
	return Logger{base: l.base, path: path}
}

func (l Logger) component() string {
	return strings.Join(l.path, ".")
}

func (l Logger) event(level zerolog.Level) *zerolog.Event {
	ev := l.base.WithLevel(level)
	if c := l.component(); c != "" {
		ev = ev.Str("component", c)
	}
	return ev
}

func (l Logger) Debugf(format string, args ...any) {
	l.event(zerolog.DebugLevel).Msgf(format, args...)
}

func (l Logger) Infof(format string, args ...any) {
	l.event(zerolog.InfoLevel).Msgf(format, args...)
}

func (l Logger) Warningf(format string, args ...any) {
	l.event(zerolog.WarnLevel).Msgf(format, args...)
}

func (l Logger) Errorf(err error, format string, args ...any) {
	l.event(zerolog.ErrorLevel).Err(err).Msgf(format, args...)
}

// Alertf logs an integrity violation: an operation aborted but the
// engine remains up.
func (l Logger) Alertf(err error, format string, args ...any) {
	l.event(zerolog.ErrorLevel).Err(err).Str("severity", "alert").Msgf(format, args...)
}

// Emergencyf logs a fatal condition (e.g. DB connection loss) the
// caller is about to act on, typically by terminating the process.
func (l Logger) Emergencyf(err error, format string, args ...any) {
	l.event(zerolog.ErrorLevel).Err(err).Str("severity", "emergency").Msgf(format, args...)
}
