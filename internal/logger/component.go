package logger

import (
	"io"

	"codeberg.org/mutker/gpufand/internal/errors"
	"github.com/rs/zerolog"
)

type zlogger struct {
	l *zerolog.Logger
}

// Default returns a Logger backed by the process-wide logger set up by Init.
func Default() Logger {
	return &zlogger{l: &log}
}

// New returns a Logger that writes JSON lines to w. Writes are serialized,
// so w may be shared between goroutines.
func New(w io.Writer) Logger {
	l := zerolog.New(zerolog.SyncWriter(w)).With().Timestamp().Logger()
	return &zlogger{l: &l}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	l := zerolog.Nop()
	return &zlogger{l: &l}
}

func (z *zlogger) Debug() *LogEvent {
	return &LogEvent{z.l.Debug()}
}

func (z *zlogger) Info() *LogEvent {
	return &LogEvent{z.l.Info()}
}

func (z *zlogger) Warn() *LogEvent {
	return &LogEvent{z.l.Warn()}
}

func (z *zlogger) Error() *LogEvent {
	return &LogEvent{z.l.Error()}
}

func (z *zlogger) ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(z.l.Error(), err)
}

func (z *zlogger) With(key, value string) Logger {
	child := z.l.With().Str(key, value).Logger()
	return &zlogger{l: &child}
}
