package logging

import (
	"bytes"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsToInfoOnBadLevel(t *testing.T) {
	log := New(Config{Level: "not-a-level", Format: "json"})
	require.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestNew_RespectsExplicitLevel(t *testing.T) {
	log := New(Config{Level: "debug", Format: "json"})
	require.Equal(t, zerolog.DebugLevel, log.GetLevel())
}

func TestNew_EmitsJSONWithServiceField(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	stdout := os.Stdout
	os.Stdout = w
	log := New(Config{Level: "info", Format: "json"})
	os.Stdout = stdout

	log.Info().Msg("hello")
	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"service":"gateway"`)
	require.Contains(t, buf.String(), `"message":"hello"`)
}
