package logger

import "github.com/rs/zerolog"

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerolog returns a Logger backed by the given zerolog logger.
func NewZerolog(l zerolog.Logger) Logger {
	return &zerologLogger{logger: l}
}

func (l *zerologLogger) Error(msg string, args ...any) {
	l.logger.Error().Fields(args).Msg(msg)
}

func (l *zerologLogger) Warn(msg string, args ...any) {
	l.logger.Warn().Fields(args).Msg(msg)
}

func (l *zerologLogger) Info(msg string, args ...any) {
	l.logger.Info().Fields(args).Msg(msg)
}

func (l *zerologLogger) Debug(msg string, args ...any) {
	l.logger.Debug().Fields(args).Msg(msg)
}
