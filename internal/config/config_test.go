package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Hub.Port)
	assert.Equal(t, "direct", cfg.Client.Provider)
	assert.Equal(t, 30*time.Second, cfg.Call.NegotiationTimeout)
	assert.Equal(t, "mic", cfg.Media.Capture)
	assert.Equal(t, 54*time.Second, cfg.Hub.PingPeriod)
	assert.Equal(t, 32, cfg.Client.SendBuffer)
	assert.Equal(t, 64, cfg.Hub.SendBuffer)
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	body := `
mode: debug
hub:
  port: 9000
  catalog:
    - id: p1
      title: Lamp
      price: 12.5
      stock: 3
client:
  provider: relay
  send_buffer: 8
call:
  negotiation_timeout: 0s
media:
  capture: silence
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9000, cfg.Hub.Port)
	require.Len(t, cfg.Hub.Catalog, 1)
	assert.Equal(t, "Lamp", cfg.Hub.Catalog[0].Title)
	assert.Equal(t, 12.5, cfg.Hub.Catalog[0].Price)
	assert.Equal(t, "relay", cfg.Client.Provider)
	assert.Equal(t, 8, cfg.Client.SendBuffer)
	assert.Equal(t, 64, cfg.Hub.SendBuffer)
	assert.Zero(t, cfg.Call.NegotiationTimeout)
	assert.Equal(t, "silence", cfg.Media.Capture)
}

func TestLoadFileEnvOverride(t *testing.T) {
	t.Setenv("COSHOP_CLIENT_USERNAME", "ana")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ana", cfg.Client.Username)
}

func TestLoadFileRejectsEmptySendBuffer(t *testing.T) {
	t.Setenv("COSHOP_CLIENT_SEND_BUFFER", "0")
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadFileRejectsUnknownProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  provider: carrier-pigeon\n"), 0o600))
	_, err := LoadFile(path)
	require.Error(t, err)
}
