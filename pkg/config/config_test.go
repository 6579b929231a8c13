package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatelink/pkg/diag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:18789/ws", cfg.Gateway.URL)
	assert.Equal(t, "main", cfg.Gateway.Session)
	assert.Equal(t, 2500*time.Millisecond, cfg.Run.GracePeriod())
	assert.Equal(t, diag.LevelInfo, cfg.Log.ParsedLevel())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
gateway:
  url: wss://gw.example.com/ws
  token: secret
  session: work
run:
  graceMs: 500
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://gw.example.com/ws", cfg.Gateway.URL)
	assert.Equal(t, "secret", cfg.Gateway.Token)
	assert.Equal(t, "work", cfg.Gateway.Session)
	assert.Equal(t, 500*time.Millisecond, cfg.Run.GracePeriod())
	assert.Equal(t, diag.LevelDebug, cfg.Log.ParsedLevel())
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  url: ws://file/ws\n"), 0644))

	t.Setenv("GATELINK_URL", "ws://env/ws")
	t.Setenv("GATELINK_TOKEN", "env-token")
	t.Setenv("GATELINK_GRACE_MS", "100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://env/ws", cfg.Gateway.URL)
	assert.Equal(t, "env-token", cfg.Gateway.Token)
	assert.Equal(t, 100*time.Millisecond, cfg.Run.GracePeriod())
}

func TestLoadBadGraceEnv(t *testing.T) {
	t.Setenv("GATELINK_GRACE_MS", "not-a-number")
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := &Config{
		Gateway: GatewayConfig{URL: "ws://saved/ws", Session: "s"},
		Run:     &RunConfig{GraceMs: 1000},
	}
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://saved/ws", loaded.Gateway.URL)
	assert.Equal(t, 1000, loaded.Run.GraceMs)
}

func TestClientOptions(t *testing.T) {
	cfg := &Config{Gateway: GatewayConfig{URL: "ws://x/ws", Token: "tk"}}
	opts := cfg.ClientOptions(diag.NopSink{})
	assert.Equal(t, "ws://x/ws", opts.URL)
	assert.Equal(t, "tk", opts.Token)
	assert.Equal(t, "gatelink", opts.ClientName)
}
