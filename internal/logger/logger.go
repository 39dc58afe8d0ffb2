// Package logger provides the process-wide logging facility for dbsync.
// It wraps a zap sugared logger behind package-level functions so callers
// don't need to thread a logger through every constructor.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	log *zap.SugaredLogger = newLogger(false).Sugar()
)

// Initialize sets up the global logger. When debug is true the logger emits
// human-readable console output at debug level, otherwise JSON at info level.
func Initialize(debug bool) {
	mu.Lock()
	defer mu.Unlock()
	log = newLogger(debug).Sugar()
}

func newLogger(debug bool) *zap.Logger {
	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	level := zapcore.InfoLevel

	if debug {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
		level = zapcore.DebugLevel
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCallerSkip(1))
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Debug logs a message at debug level.
func Debug(args ...any) { current().Debug(args...) }

// Info logs a message at info level.
func Info(args ...any) { current().Info(args...) }

// Warn logs a message at warn level.
func Warn(args ...any) { current().Warn(args...) }

// Error logs a message at error level.
func Error(args ...any) { current().Error(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { current().Debugf(format, args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { current().Infof(format, args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { current().Warnf(format, args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { current().Errorf(format, args...) }

// Fatalf logs a formatted message and exits the process.
func Fatalf(format string, args ...any) { current().Fatalf(format, args...) }
