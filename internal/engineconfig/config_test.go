package engineconfig

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadFillsUnsetFieldsFromDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent:
  command: my-agent
  max_concurrent: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "my-agent", cfg.Agent.Command)
	assert.Equal(t, 8, cfg.Agent.MaxConcurrent)
	assert.Equal(t, "cord.db", cfg.Store.Path, "unset fields keep their default")
}

func TestLoadParsesDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent:
  launch_timeout: 45s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Agent.LaunchTimeout.Duration)
}

func TestLoadParsesLogDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent:
  log_dir: /var/log/cord-agents
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/cord-agents", cfg.Agent.LogDir)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  max_concurrent: 2\n"), 0o644))

	w, err := NewWatcher(path, testLogger(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, w.Current().Agent.MaxConcurrent)

	reloaded := make(chan Config, 1)
	w.OnReload(func(cfg Config) { reloaded <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("agent:\n  max_concurrent: 9\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9, cfg.Agent.MaxConcurrent)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
