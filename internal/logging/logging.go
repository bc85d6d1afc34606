// Package logging configures the process-wide slog loggers: JSON to a
// rotating file, text to stderr, plus per-service child loggers.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	structuredLogger *slog.Logger
	loggerMu         sync.RWMutex
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

// replaceLevelAttr maps the custom levels to their display names.
func replaceLevelAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level := a.Value.Any().(slog.Level)
		levelLabel, exists := levelNames[level]
		if !exists {
			levelLabel = level.String()
		}
		a.Value = slog.StringValue(levelLabel)
	}
	return a
}

// Init initializes the logging system. The structured JSON logger writes to
// stdout until SetFileOutput redirects it to a rotating log file.
func Init(level slog.Level) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelAttr,
	})
	structuredLogger = slog.New(newCountingHandler(handler))
	slog.SetDefault(structuredLogger)
}

// RotationConfig controls lumberjack file rotation for file loggers.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultRotation returns the rotation settings used when the config does
// not override them.
func DefaultRotation() RotationConfig {
	return RotationConfig{MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28}
}

// SetFileOutput redirects the structured logger to a rotating file. Returns
// a close function for the underlying writer.
func SetFileOutput(filePath string, level slog.Level, rotation RotationConfig) (func() error, error) {
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	logWriter := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
	}

	handler := slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelAttr,
	})

	loggerMu.Lock()
	structuredLogger = slog.New(newCountingHandler(handler))
	slog.SetDefault(structuredLogger)
	loggerMu.Unlock()

	return logWriter.Close, nil
}

// Structured returns the globally configured structured logger.
// Returns nil if Init() has not been called.
func Structured() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return structuredLogger
}

// ForService creates a new logger instance with the 'service' attribute
// added. Falls back to slog.Default when Init() has not been called, so
// tests can use packages without global setup.
func ForService(serviceName string) *slog.Logger {
	loggerMu.RLock()
	base := structuredLogger
	loggerMu.RUnlock()
	if base == nil {
		base = slog.Default()
	}
	return base.With("service", serviceName)
}

// Debug logs a debug message using the default slog logger.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Info logs an info message using the default slog logger.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Warn logs a warning message using the default slog logger.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs an error message using the default slog logger.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// Fatal logs a fatal message using the custom Fatal level and then exits.
func Fatal(msg string, args ...any) {
	slog.Log(context.TODO(), LevelFatal, msg, args...)
	os.Exit(1)
}
