package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreGlobal(t *testing.T) {
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestSetupJSON(t *testing.T) {
	restoreGlobal(t)
	var buf bytes.Buffer
	require.NoError(t, Setup("debug", FormatJSON, &buf))

	log.Debug().Str("thread_id", "42").Msg("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "42", line["thread_id"])
	assert.Equal(t, "topicbridge", line["service"])
	assert.Equal(t, "debug", line["level"])
}

func TestSetupFiltersBelowLevel(t *testing.T) {
	restoreGlobal(t)
	var buf bytes.Buffer
	require.NoError(t, Setup("warn", FormatJSON, &buf))

	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestSetupConsole(t *testing.T) {
	restoreGlobal(t)
	var buf bytes.Buffer
	require.NoError(t, Setup("", FormatConsole, &buf))

	log.Info().Msg("readable")
	assert.Contains(t, buf.String(), "readable")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestSetupRejectsBadInput(t *testing.T) {
	restoreGlobal(t)
	assert.Error(t, Setup("loud", FormatJSON, nil))
	assert.Error(t, Setup("info", "xml", nil))
}
