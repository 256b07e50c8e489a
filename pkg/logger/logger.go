// Package logger wraps zap behind a small package-level API so call sites do
// not thread a logger instance through every constructor.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"callbridge-backend/pkg/env"
)

// Log is the global logger instance. It starts as a no-op so packages can log
// before Init runs; Init swaps in the configured logger.
var Log = zap.NewNop()

// Init builds the global logger for the given level and format
func Init(levelName, format string) error {
	level := zapcore.InfoLevel
	switch levelName {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	var zapConfig zap.Config
	if format == "text" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	var err error
	Log, err = zapConfig.Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return err
}

// InitDefault initializes the logger from LOG_LEVEL and LOG_FORMAT
func InitDefault() {
	if err := Init(env.GetString("LOG_LEVEL", "info"), env.GetString("LOG_FORMAT", "json")); err != nil {
		Log, _ = zap.NewProduction()
	}
}

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

// Sync flushes any buffered log entries
func Sync() error {
	return Log.Sync()
}
