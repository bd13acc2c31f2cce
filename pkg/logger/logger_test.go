package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogBacked(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l.Debug("listener attached", "path", "books/b1")
	l.Info("ready")
	l.Warn("slow snapshot", "elapsed", "2s")
	l.Error("subscribe failed", "attempt", 3)

	out := buf.String()
	assert.Contains(t, out, "listener attached")
	assert.Contains(t, out, "path=books/b1")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "attempt=3")
}

func TestZerologBacked(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerolog(zerolog.New(&buf).Level(zerolog.DebugLevel))

	l.Debug("listener attached", "path", "books/b1")
	l.Error("subscribe failed", "attempt", 3)

	out := buf.String()
	assert.Contains(t, out, `"message":"listener attached"`)
	assert.Contains(t, out, `"path":"books/b1"`)
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"attempt":3`)
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	require.NotNil(t, l)
	assert.NotPanics(t, func() {
		l.Debug("x")
		l.Info("x", "k", "v")
		l.Warn("x")
		l.Error("x")
	})
}
