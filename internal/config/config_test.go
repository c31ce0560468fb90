package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1", cfg.Server.Host)
	require.Equal(t, 3142, cfg.Server.Port)
	require.EqualValues(t, 100*1024*1024, cfg.Cache.MaxSizeBytes())
	require.Equal(t, 7*24*time.Hour, cfg.Cache.MaxAge)
	require.Equal(t, "sanitized", cfg.Cache.KeyScheme)
	require.Equal(t, "file", cfg.Cache.MetadataBackend)
	require.Equal(t, filepath.Join("/var/cache/ropelog", "image-cache"), cfg.Cache.Dir())
	require.Equal(t, filepath.Join("/var/lib/ropelog", "sessions.json"), cfg.Sessions.Path())
	require.False(t, cfg.Remote.Enabled())
	require.Equal(t, "ropelog", cfg.Telemetry.ServiceName)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
cache:
  root: /tmp/rl
  max_size_mb: 5
  max_age: 1h
  metadata_backend: sqlite
sessions:
  root: /tmp/rl-sessions
remote:
  base_url: https://api.example.com
  user_id: tech-1
  timeout: 10s
egress:
  idle_conn_timeout: 45s
  max_idle_conns_per_host: 4
rules:
  passthrough:
    - "*.svg"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9000, cfg.Server.Port)
	require.EqualValues(t, 5*1024*1024, cfg.Cache.MaxSizeBytes())
	require.Equal(t, time.Hour, cfg.Cache.MaxAge)
	require.Equal(t, "/tmp/rl/metadata.db", cfg.Cache.MetadataPath)
	require.Equal(t, "/tmp/rl-sessions/sessions.json", cfg.Sessions.Path())
	require.True(t, cfg.Remote.Enabled())
	require.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	require.Equal(t, []string{"*.svg"}, cfg.Rules.Passthrough)
	require.Equal(t, 45*time.Second, cfg.Egress.IdleConnTimeout)
	require.Equal(t, 4, cfg.Egress.MaxIdleConnsPerHost)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\ncache:\n  max_size_mb: 5\n")
	t.Setenv("ROPELOG_SERVER_PORT", "9100")
	t.Setenv("ROPELOG_CACHE_KEY_SCHEME", "hashed")
	t.Setenv("ROPELOG_REMOTE_TOKEN", "tok")
	t.Setenv("ROPELOG_RULES_PASSTHROUGH", "*.gif,*tracking*")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9100, cfg.Server.Port)
	require.EqualValues(t, 5, cfg.Cache.MaxSizeMB)
	require.Equal(t, "hashed", cfg.Cache.KeyScheme)
	require.Equal(t, "tok", cfg.Remote.Token)
	require.Equal(t, []string{"*.gif", "*tracking*"}, cfg.Rules.Passthrough)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "server: ["))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "cache:\n  key_scheme: md5\n"))
	require.ErrorContains(t, err, "key_scheme")

	_, err = Load(writeConfig(t, "egress:\n  enabled: true\n  proxy_type: ftp\n"))
	require.ErrorContains(t, err, "proxy_type")
	require.ErrorContains(t, err, "proxy_url")
}
