package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 8.0, cfg.VAD.EnergyThreshold)
	assert.Equal(t, 300*time.Millisecond, cfg.Window())
	assert.Equal(t, 2*time.Second, cfg.Silence())
	assert.True(t, cfg.Strict())
}

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
env: production
session_id: call-42
transport:
  host: 0.0.0.0
  audio_retries: 5
vad:
  energy_threshold: 7.5
archive:
  dir: /tmp/chunks
`))
	require.NoError(t, err)
	assert.Equal(t, "call-42", cfg.SessionID)
	assert.Equal(t, "0.0.0.0", cfg.Transport.Host)
	assert.Equal(t, 5, cfg.Transport.AudioRetries)
	assert.Equal(t, 7.5, cfg.VAD.EnergyThreshold)
	assert.Equal(t, 30000, cfg.Transport.Ports.Base, "unset fields keep defaults")
	assert.False(t, cfg.Strict())
}

func TestLoadFromReaderEmpty(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("transprot:\n  host: x\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session_id: from-file\nsegment:\n  silence_ms: 1500\n"), 0o644))

	t.Setenv("BRIDGE_CONFIG", path)
	t.Setenv("SESSION_ID", "from-env")
	t.Setenv("VAD_ENERGY_THRESHOLD", "9.25")
	t.Setenv("PORT_BASE", "31000")
	t.Setenv("PORT_MAX", "32000")
	t.Setenv("SAVE_AUDIO_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.SessionID)
	assert.Equal(t, 1500*time.Millisecond, cfg.Silence())
	assert.Equal(t, 9.25, cfg.VAD.EnergyThreshold)
	assert.Equal(t, 31000, cfg.Transport.Ports.Base)
	assert.Equal(t, 32000, cfg.Transport.Ports.Max)
	assert.Equal(t, dir, cfg.Archive.Dir)
}

func TestLoadGeneratesSessionID(t *testing.T) {
	t.Setenv("BRIDGE_CONFIG", "")
	t.Setenv("SESSION_ID", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Len(t, cfg.SessionID, 36)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("BRIDGE_CONFIG", "")
	t.Setenv("AUDIO_SEND_RETRIES", "three")
	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "AUDIO_SEND_RETRIES")
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("BRIDGE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.Transport.Ports.Span = 0
	cfg.Transport.Ports.Min = 40000
	cfg.VAD.WindowMS = 0
	cfg.Segment.SilenceMS = -1
	cfg.Transport.AudioRetries = -1

	err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{"log_level", "span", "range", "window_ms", "silence_ms", "audio_retries"} {
		assert.Contains(t, err.Error(), want)
	}
}
