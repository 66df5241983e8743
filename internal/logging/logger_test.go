package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	logger.Debug().Msg("hidden")
	logger.Info().Str("component", "test").Msg("visible")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "visible", line["message"])
	assert.Equal(t, "mediary", line["service"])
	assert.Equal(t, "test", line["component"])
}

func TestSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := Slog(NewWithWriter(&buf, "info", "json")).With("listener", "t1").WithGroup("client")

	logger.Debug("dropped")
	logger.Warn("client connection closed", "id", "dev-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "client connection closed", line["message"])
	assert.Equal(t, "t1", line["listener"])
	assert.Equal(t, "dev-1", line["client.id"])
}
