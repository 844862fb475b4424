package logging

import "github.com/rs/zerolog"

// Logger is a printf-style facade over zerolog. It satisfies the Logger
// interfaces consumed by the ipc and kernel packages.
type Logger struct {
	zl zerolog.Logger
}

// New returns a logger tagged with component, built on the configured base.
func New(component string) *Logger {
	baseMu.RLock()
	zl := base
	baseMu.RUnlock()
	return &Logger{zl: zl.With().Str("component", component).Logger()}
}

// FromZerolog wraps an existing zerolog logger.
func FromZerolog(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger carrying one extra string field.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

func (l *Logger) Debugf(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}
