// Package logx provides the structured logger used by all navcore components.
package logx

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is a thin wrapper around zerolog with variadic key/value fields.
type Logger struct {
	zl        zerolog.Logger
	component string
}

// NewLogger creates a logger for a component. Level is one of
// trace|debug|info|warn|error; unknown values fall back to info.
func NewLogger(level, component string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	var w = zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
		cw.Out = os.Stderr
		cw.TimeFormat = "15:04:05.000"
	})

	zl := zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
	if component != "" {
		zl = zl.With().Str("component", component).Logger()
	}
	return &Logger{zl: zl, component: component}
}

// NewJSONLogger creates a logger emitting raw JSON lines, for non-interactive use.
func NewJSONLogger(level, component string) *Logger {
	zl := zerolog.New(os.Stderr).Level(parseLevel(level)).With().Timestamp().Logger()
	if component != "" {
		zl = zl.With().Str("component", component).Logger()
	}
	return &Logger{zl: zl, component: component}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel changes the minimum emitted level at runtime.
func (l *Logger) SetLevel(level string) {
	l.zl = l.zl.Level(parseLevel(level))
}

// With returns a child logger for a sub-component.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		zl:        l.zl.With().Str("component", component).Logger(),
		component: component,
	}
}

func (l *Logger) Trace(msg string, fields ...interface{}) {
	emit(l.zl.Trace(), msg, fields)
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	emit(l.zl.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	emit(l.zl.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	emit(l.zl.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...interface{}) {
	emit(l.zl.Error(), msg, fields)
}

// emit accepts either alternating "key", value pairs or a single
// map[string]interface{} argument.
func emit(ev *zerolog.Event, msg string, fields []interface{}) {
	if len(fields) == 1 {
		if m, ok := fields[0].(map[string]interface{}); ok {
			ev.Fields(m).Msg(msg)
			return
		}
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("field%d", i/2)
		}
		ev.Interface(key, fields[i+1])
	}
	ev.Msg(msg)
}
