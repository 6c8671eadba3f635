// Package logging is the process-wide logger. It keeps a small printf-style
// façade for command code and hands out structured zap loggers to components.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level       string   `yaml:"level" envconfig:"LEVEL"`
	Development bool     `yaml:"development" envconfig:"DEVELOPMENT"`
	OutputPaths []string `yaml:"outputPaths" envconfig:"OUTPUT_PATHS"`
}

var (
	disabled atomic.Bool

	mu   sync.RWMutex
	base = mustDefault()
)

// New builds a zap logger from cfg. Development mode uses a coloured console
// encoder, production mode writes JSON.
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         "json",
		EncoderConfig:    encoderConfig(cfg.Development),
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Development {
		zc.Encoding = "console"
	}
	if len(zc.OutputPaths) == 0 {
		zc.OutputPaths = []string{"stderr"}
	}

	return zc.Build()
}

func mustDefault() *zap.Logger {
	l, err := New(Config{Level: "info", Development: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return zap.NewNop()
	}
	return l
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", s)
	}
}

func encoderConfig(development bool) zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder
	if development {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return ec
}

// SetLogger replaces the process logger. A nil logger is ignored.
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	base = l
	mu.Unlock()
}

// L returns the process logger, or a no-op logger while logging is disabled.
func L() *zap.Logger {
	if disabled.Load() {
		return zap.NewNop()
	}
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Named returns a child logger for a component.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

// Disable turns off all logging
func Disable() {
	disabled.Store(true)
}

// Enable turns logging back on
func Enable() {
	disabled.Store(false)
}

// Info logs an info message
func Info(v ...any) {
	L().Sugar().Info(v...)
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	L().Sugar().Infof(format, v...)
}

// Error logs an error message
func Error(v ...any) {
	L().Sugar().Error(v...)
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	L().Sugar().Errorf(format, v...)
}

// Warn logs a warning message
func Warn(v ...any) {
	L().Sugar().Warn(v...)
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	L().Sugar().Warnf(format, v...)
}

// Debug logs a debug message
func Debug(v ...any) {
	L().Sugar().Debug(v...)
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) {
	L().Sugar().Debugf(format, v...)
}
