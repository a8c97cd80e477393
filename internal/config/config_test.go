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

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  node_id: node-1\n"))
	require.NoError(t, err)

	assert.Equal(t, 50061, cfg.Server.Port)
	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/waveletd", cfg.Storage.DataDir)
	assert.Equal(t, uint64(250), cfg.Wavelet.SnapshotEvery)
	assert.Equal(t, 100*time.Second, cfg.Wavelet.LoadTimeout)
	assert.True(t, *cfg.Wavelet.EnforceAccess)
	assert.Equal(t, SigningNone, cfg.Signing.Mode)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  node_id: node-2
  port: 7000
storage:
  backend: pebble
  data_dir: /data
wavelet:
  snapshot_every: 10
  idle_ttl: 30s
  enforce_access: false
rate_limit:
  rps: 100
  burst: 20
signing:
  mode: ed25519
  domain: example.com
  seed_hex: `+strings.Repeat("ab", 32)+`
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, BackendPebble, cfg.Storage.Backend)
	assert.Equal(t, uint64(10), cfg.Wavelet.SnapshotEvery)
	assert.Equal(t, 30*time.Second, cfg.Wavelet.IdleTTL)
	assert.False(t, *cfg.Wavelet.EnforceAccess)
	assert.Equal(t, 100.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, "example.com", cfg.Signing.Domain)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("WAVELETD_NODE_ID", "from-env")
	t.Setenv("WAVELETD_PORT", "6000")
	t.Setenv("WAVELETD_STORAGE_BACKEND", "memory")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Parse([]byte("server:\n  node_id: node-1\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.NodeID)
	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Empty(t, cfg.Storage.DataDir)
	assert.Equal(t, "debug", cfg.Logging.Level)

	t.Setenv("WAVELETD_PORT", "not-a-port")
	_, err = Parse([]byte("server:\n  node_id: node-1\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing node id", "server:\n  port: 80\n"},
		{"bad backend", "server:\n  node_id: n\nstorage:\n  backend: tape\n"},
		{"bad thresholds", "server:\n  node_id: n\nstorage:\n  warning_threshold: 96\n"},
		{"bad signing mode", "server:\n  node_id: n\nsigning:\n  mode: rsa\n"},
		{"short seed", "server:\n  node_id: n\nsigning:\n  mode: ed25519\n  domain: a.com\n  seed_hex: abcd\n"},
		{"signatures without signing", "server:\n  node_id: n\nwavelet:\n  require_signatures: true\n"},
		{"bad trusted key", "server:\n  node_id: n\nsigning:\n  mode: ed25519\n  trusted:\n    a.com: zz\n"},
		{"bad log format", "server:\n  node_id: n\nlogging:\n  format: xml\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
