// Package util provides logging and unit helpers shared by the tracker.
package util

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// ParseLevel maps a config level name to a zap level, defaulting to info
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(name) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// InitLogger initializes the global logger
func InitLogger(lvl, format, file string) error {
	level.SetLevel(ParseLevel(lvl))

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	writeSyncer := zapcore.AddSync(os.Stdout)
	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		writeSyncer = zapcore.NewMultiWriteSyncer(writeSyncer, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()

	return nil
}

// SetLevel changes the level of the global logger at runtime
func SetLevel(name string) {
	level.SetLevel(ParseLevel(name))
}

// Log returns the global logger
func Log() *zap.SugaredLogger {
	if logger == nil {
		zapLogger, _ := zap.NewDevelopment()
		logger = zapLogger.Sugar()
	}
	return logger
}

// Named returns a child logger tagged with a component name
func Named(component string) *zap.SugaredLogger {
	return Log().Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().Named(component)
}

// Sync flushes buffered log entries
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// Debugf logs a formatted debug message
func Debugf(template string, args ...interface{}) {
	Log().Debugf(template, args...)
}

// Info logs an info message
func Info(args ...interface{}) {
	Log().Info(args...)
}

// Infof logs a formatted info message
func Infof(template string, args ...interface{}) {
	Log().Infof(template, args...)
}

// Warnf logs a formatted warning message
func Warnf(template string, args ...interface{}) {
	Log().Warnf(template, args...)
}

// Warnw logs a warning with structured key/value pairs
func Warnw(msg string, keysAndValues ...interface{}) {
	Log().Warnw(msg, keysAndValues...)
}

// Errorf logs a formatted error message
func Errorf(template string, args ...interface{}) {
	Log().Errorf(template, args...)
}

// Errorw logs an error with structured key/value pairs
func Errorw(msg string, keysAndValues ...interface{}) {
	Log().Errorw(msg, keysAndValues...)
}

// Fatalf logs a formatted fatal message and exits
func Fatalf(template string, args ...interface{}) {
	Log().Fatalf(template, args...)
}
