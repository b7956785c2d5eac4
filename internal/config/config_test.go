package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"querybuilder/internal/domain"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOwnerID, cfg.OwnerID)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 30*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, time.Minute, cfg.Pool.ReapInterval)
	assert.Equal(t, 3, cfg.Pool.ProbeRetries)
	assert.True(t, cfg.Pool.WarmUp)
	assert.Equal(t, "keychain", cfg.Secrets.Backend)
	assert.Equal(t, filepath.Join(cfg.DataDir, "querybuilder.db"), cfg.DBPath)
	assert.Empty(t, cfg.File)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, filepath.Join(dir, "querybuilder.yaml"), `
owner_id: file-owner
log:
  level: debug
pool:
  acquire_timeout: 5s
  probe_retries: 2
secrets:
  backend: memory
`)
	t.Setenv("QB_POOL_ACQUIRE_TIMEOUT", "7s")
	t.Setenv("QB_DATA_DIR", filepath.Join(dir, "data"))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("owner", "", "")
	flags.String("log-level", "", "")
	require.NoError(t, flags.Parse([]string{"--owner", "flag-owner"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, "querybuilder.yaml", cfg.File)
	assert.Equal(t, "flag-owner", cfg.OwnerID, "flag beats file")
	assert.Equal(t, "debug", cfg.Log.Level, "unset flag leaves file value")
	assert.Equal(t, 7*time.Second, cfg.Pool.AcquireTimeout, "env beats file")
	assert.Equal(t, 2, cfg.Pool.ProbeRetries)
	assert.Equal(t, "memory", cfg.Secrets.Backend)
	assert.Equal(t, filepath.Join(dir, "data", "querybuilder.db"), cfg.DBPath)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "bad.yaml")
	writeFile(t, path, `
owner_id: ""
log:
  level: loud
  format: xml
pool:
  probe_retries: 0
secrets:
  backend: vault
`)

	_, err := Load(path, nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	for _, want := range []string{"owner_id", "log.level", "log.format", "probe_retries", "secrets.backend"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("nope.yaml", nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"QB_DATA_DIR", "data_dir"},
		{"QB_OWNER_ID", "owner_id"},
		{"QB_LOG_LEVEL", "log.level"},
		{"QB_POOL_PROBE_RETRIES", "pool.probe_retries"},
		{"QB_OPTIMIZER_EXPLAIN", "optimizer.explain"},
		{"QB_SECRETS_BACKEND", "secrets.backend"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, envKey(tt.env), tt.env)
	}
}

func TestSlogLevel(t *testing.T) {
	level, err := LogConfig{Level: "warn"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = LogConfig{Level: "chatty"}.SlogLevel()
	assert.Error(t, err)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "querybuilder.yaml")
	writeFile(t, path, "log:\n  level: info\n")

	var level atomic.Value
	w, err := Watch(path, func() (*Config, error) { return Load(path, nil) }, func(cfg *Config) {
		level.Store(cfg.Log.Level)
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	writeFile(t, path, "log:\n  level: debug\n")
	assert.Eventually(t, func() bool {
		v, _ := level.Load().(string)
		return v == "debug"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatch_KeepsPreviousOnBadFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "querybuilder.yaml")
	writeFile(t, path, "log:\n  level: info\n")

	var calls, reloads atomic.Int32
	w, err := Watch(path, func() (*Config, error) {
		reloads.Add(1)
		return Load(path, nil)
	}, func(*Config) { calls.Add(1) }, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	writeFile(t, path, "log:\n  level: shouting\n")
	assert.Eventually(t, func() bool { return reloads.Load() > 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, calls.Load())
}
