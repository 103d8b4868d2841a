package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEmitsRenamedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Service: "local-deals-api", Env: "test"})

	logger.Info("redemption confirmed", "promotion_id", "p1", "proof", "1234")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "redemption confirmed", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "local-deals-api", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "p1", line["promotion_id"])
	require.Equal(t, RedactedValue, line["proof"])
	require.Contains(t, line, "timestamp")
	require.NotContains(t, line, "msg")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Service: "svc", Level: "warn"})

	logger.Info("dropped")
	require.Zero(t, buf.Len())

	logger.Warn("kept")
	require.NotZero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}
