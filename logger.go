package mqttrequest

import (
	"sync/atomic"

	"github.com/vitalvas/mqttv5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names for engine logging, in addition to
// mqttv5.LogFieldTopic and mqttv5.LogFieldError.
const (
	// LogFieldComponent is the component field.
	LogFieldComponent = "component"

	// LogFieldCorrelationID is the correlation id field.
	LogFieldCorrelationID = "correlation_id"

	// LogFieldFilter is the topic filter field.
	LogFieldFilter = "filter"

	// LogFieldRemoved is the number of entries removed by a sweep.
	LogFieldRemoved = "removed"

	// LogFieldPending is the number of pending requests.
	LogFieldPending = "pending"
)

// ZapLogger adapts a zap.Logger to mqttv5.Logger.
// Its level is checked before the zap core sees the entry.
type ZapLogger struct {
	logger *zap.Logger
	level  *atomic.Int32
}

// NewZapLogger creates a logger writing to z at the given level.
// A nil z uses zap.NewNop.
func NewZapLogger(z *zap.Logger, level mqttv5.LogLevel) *ZapLogger {
	if z == nil {
		z = zap.NewNop()
	}
	l := &ZapLogger{
		logger: z,
		level:  new(atomic.Int32),
	}
	l.level.Store(int32(level))
	return l
}

// Debug logs a debug message.
func (l *ZapLogger) Debug(msg string, fields mqttv5.LogFields) {
	l.log(mqttv5.LogLevelDebug, msg, fields)
}

// Info logs an info message.
func (l *ZapLogger) Info(msg string, fields mqttv5.LogFields) {
	l.log(mqttv5.LogLevelInfo, msg, fields)
}

// Warn logs a warning message.
func (l *ZapLogger) Warn(msg string, fields mqttv5.LogFields) {
	l.log(mqttv5.LogLevelWarn, msg, fields)
}

// Error logs an error message.
func (l *ZapLogger) Error(msg string, fields mqttv5.LogFields) {
	l.log(mqttv5.LogLevelError, msg, fields)
}

// WithFields returns a new logger with the given fields added.
// The returned logger shares the level with its parent.
func (l *ZapLogger) WithFields(fields mqttv5.LogFields) mqttv5.Logger {
	return &ZapLogger{
		logger: l.logger.With(zapFields(fields)...),
		level:  l.level,
	}
}

// Level returns the current log level.
func (l *ZapLogger) Level() mqttv5.LogLevel {
	return mqttv5.LogLevel(l.level.Load())
}

// SetLevel sets the log level.
func (l *ZapLogger) SetLevel(level mqttv5.LogLevel) {
	l.level.Store(int32(level))
}

func (l *ZapLogger) log(level mqttv5.LogLevel, msg string, fields mqttv5.LogFields) {
	if level < l.Level() {
		return
	}
	if ce := l.logger.Check(zapLevel(level), msg); ce != nil {
		ce.Write(zapFields(fields)...)
	}
}

func zapLevel(level mqttv5.LogLevel) zapcore.Level {
	switch level {
	case mqttv5.LogLevelDebug:
		return zapcore.DebugLevel
	case mqttv5.LogLevelInfo:
		return zapcore.InfoLevel
	case mqttv5.LogLevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func zapFields(fields mqttv5.LogFields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}
