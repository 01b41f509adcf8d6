package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inDir runs the test from a scratch directory holding the given config file.
func inDir(t *testing.T, yaml string) {
	t.Helper()
	dir := t.TempDir()
	if yaml != "" {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644))
	}
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")
}

func TestDefaults(t *testing.T) {
	inDir(t, "")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5, cfg.Media.WorkerCap)
	assert.Equal(t, uint16(40000), cfg.Media.RTCMinPort)
	assert.Equal(t, time.Hour, cfg.Session.StaleAfter)
	assert.Zero(t, cfg.Router.IdleTTL)
	assert.Equal(t, time.Second, cfg.Stats.Interval)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestFileEnvAndFlags(t *testing.T) {
	inDir(t, `
port: 9000
media:
  announced_ips: ["203.0.113.5"]
  ice_servers:
    - urls: ["stun:stun.example.org:3478"]
admission:
  pending_timeout: 2m
`)
	t.Setenv("HUDDLE_AUTH_SECRET", "from-env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--storage-driver=sqlite"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "203.0.113.5", cfg.ServerID)
	require.Len(t, cfg.Media.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.Media.ICEServers[0].URLs)
	assert.Equal(t, 2*time.Minute, cfg.Admission.PendingTimeout)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestRejectsUnknownDriver(t *testing.T) {
	inDir(t, "storage:\n  driver: postgres\n")
	_, err := Load(nil)
	assert.Error(t, err)
}
