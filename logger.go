package httpclient

import (
	"github.com/rs/zerolog"
)

// Logger is the sink for the client's structured debug output. Arguments
// are alternating key/value pairs. A nil Logger on the client disables
// logging entirely; there is no package-level logger.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger wraps an existing zerolog.Logger.
func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

// Debug implements Logger.
func (l *ZerologLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.emit(l.logger.Debug(), msg, keysAndValues)
}

// Info implements Logger.
func (l *ZerologLogger) Info(msg string, keysAndValues ...interface{}) {
	l.emit(l.logger.Info(), msg, keysAndValues)
}

// Warn implements Logger.
func (l *ZerologLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.emit(l.logger.Warn(), msg, keysAndValues)
}

// Error implements Logger.
func (l *ZerologLogger) Error(msg string, keysAndValues ...interface{}) {
	l.emit(l.logger.Error(), msg, keysAndValues)
}

func (l *ZerologLogger) emit(event *zerolog.Event, msg string, keysAndValues []interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		event = event.Interface(key, keysAndValues[i+1])
	}
	event.Msg(msg)
}

// NopLogger discards all log output.
type NopLogger struct{}

// Debug implements Logger.
func (NopLogger) Debug(string, ...interface{}) {}

// Info implements Logger.
func (NopLogger) Info(string, ...interface{}) {}

// Warn implements Logger.
func (NopLogger) Warn(string, ...interface{}) {}

// Error implements Logger.
func (NopLogger) Error(string, ...interface{}) {}
