package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	off := false
	log := Component(New(Options{Level: "info", Pretty: &off, Output: &buf}), "ingest")
	log.Debug().Msg("hidden")
	log.Info().Int("processed", 3).Msg("progress")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "docdedup", entry["service"])
	require.Equal(t, "ingest", entry["component"])
	require.Equal(t, "progress", entry["message"])
	require.EqualValues(t, 3, entry["processed"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	require.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestPrettyOutputIsNotJSON(t *testing.T) {
	var buf bytes.Buffer
	on := true
	log := New(Options{Pretty: &on, Output: &buf})
	log.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")
	require.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
