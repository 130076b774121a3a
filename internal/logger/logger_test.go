package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreGlobals(t *testing.T) {
	prev, prevLevel, prevFormat := log.Logger, zerolog.GlobalLevel(), zerolog.TimeFieldFormat
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
		zerolog.TimeFieldFormat = prevFormat
	})
}

func TestSetup_FileOutput(t *testing.T) {
	restoreGlobals(t)
	path := filepath.Join(t.TempDir(), "ledger.log")

	closer, err := Setup(LogConfig{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	l := WithComponent("settlement")
	l.Info().Msg("dropped")
	l.Warn().Str("order_id", "ord-1").Msg("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "kept", rec["message"])
	assert.Equal(t, "settlement", rec["component"])
	assert.Equal(t, "ord-1", rec["order_id"])
	assert.Equal(t, "commission-ledger", rec["service"])
}

func TestSetup_Rejects(t *testing.T) {
	restoreGlobals(t)

	_, err := Setup(LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = Setup(LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)

	_, err = Setup(LogConfig{Level: "info", Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	restoreGlobals(t)
	closer, err := Setup(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
