// Package logger provides the process-wide structured logger, backed by zap.
//
// Logs go to stderr so that stdout stays clean for command output such as
// tables and JSON.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var current atomic.Pointer[zap.SugaredLogger]

func init() {
	current.Store(zap.NewNop().Sugar())
}

// ParseLevel converts a textual level (debug, info, warn, error) into a zap level.
// An empty string maps to info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", level)
	}
}

// Initialize builds the global logger. When jsonOutput is false a human
// readable console encoder is used.
func Initialize(level string, jsonOutput bool) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if jsonOutput {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl))
	Set(zap.New(core))
	return nil
}

// Set replaces the global logger. Tests use it with zaptest or observer cores.
func Set(l *zap.Logger) {
	current.Store(l.Sugar())
}

// Get returns the global sugared logger
func Get() *zap.SugaredLogger {
	return current.Load()
}

// Sync flushes buffered log entries
func Sync() {
	_ = current.Load().Sync()
}

// Debugf logs a formatted message at debug level
func Debugf(format string, args ...any) { current.Load().Debugf(format, args...) }

// Infof logs a formatted message at info level
func Infof(format string, args ...any) { current.Load().Infof(format, args...) }

// Warnf logs a formatted message at warn level
func Warnf(format string, args ...any) { current.Load().Warnf(format, args...) }

// Errorf logs a formatted message at error level
func Errorf(format string, args ...any) { current.Load().Errorf(format, args...) }

// Debugw logs a message with key/value pairs at debug level
func Debugw(msg string, kv ...any) { current.Load().Debugw(msg, kv...) }

// Infow logs a message with key/value pairs at info level
func Infow(msg string, kv ...any) { current.Load().Infow(msg, kv...) }

// Warnw logs a message with key/value pairs at warn level
func Warnw(msg string, kv ...any) { current.Load().Warnw(msg, kv...) }

// Errorw logs a message with key/value pairs at error level
func Errorw(msg string, kv ...any) { current.Load().Errorw(msg, kv...) }
