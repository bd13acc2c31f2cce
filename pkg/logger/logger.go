// Package logger defines the minimal structured logging surface used across
// this module, with slog- and zerolog-backed implementations.
package logger

import "log/slog"

// Logger is the leveled, key-value logging interface accepted by observers
// and stores. Args are alternating key/value pairs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type slogLogger struct {
	logger *slog.Logger
}

// New returns a Logger backed by the given slog handler.
func New(h slog.Handler) Logger {
	return &slogLogger{logger: slog.New(h)}
}

func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

type nopLogger struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Error(msg string, args ...any) {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Debug(msg string, args ...any) {}
