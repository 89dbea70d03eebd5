package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "info", Format: FormatJSON}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("cache miss", "key", "area:51.50000:-0.12000")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, "cache miss", line["msg"])
	assert.Equal(t, "area:51.50000:-0.12000", line["key"])
}

func TestNew_AutoPicksJSONWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{}, &buf)
	require.NoError(t, err)

	logger.Info("hello")
	assert.True(t, json.Valid(buf.Bytes()), "expected JSON, got %q", buf.String())
}

func TestNew_PrettyWithoutColorOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug", Format: "Pretty"}, &buf)
	require.NoError(t, err)

	logger.Debug("retrying", "upstream", "police", "attempt", 2)

	out := buf.String()
	assert.Contains(t, out, "DBG")
	assert.Contains(t, out, "retrying")
	assert.Contains(t, out, "upstream=police")
	assert.NotContains(t, out, "\033[", "no ANSI escapes when not writing to a TTY")
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Format: "xml"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "invalid log format")

	_, err = New(Config{Level: "loud"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "invalid log level")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
