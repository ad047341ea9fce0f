package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	v := New(filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, DefaultPreview(), cfg.Preview)
	assert.Equal(t, []string{"esbonio-worker"}, cfg.Worker.Command)
	assert.Equal(t, 30*time.Second, cfg.Worker.StartupTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "esbonio.yaml")
	writeConfig(t, path, `
preview:
  bind: 0.0.0.0
  http_port: 8123
  ws_port: 8124
  show_line_markers: true
worker:
  command: ["/opt/bin/esbonio-worker", "--log-level", "debug"]
  startup_timeout: 5s
log:
  level: debug
  format: json
metrics:
  addr: 127.0.0.1:9090
`)

	cfg, err := Load(New(path))
	require.NoError(t, err)
	assert.Equal(t, PreviewConfig{Bind: "0.0.0.0", HTTPPort: 8123, WSPort: 8124, ShowLineMarkers: true}, cfg.Preview)
	assert.Equal(t, []string{"/opt/bin/esbonio-worker", "--log-level", "debug"}, cfg.Worker.Command)
	assert.Equal(t, 5*time.Second, cfg.Worker.StartupTimeout)
	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Addr)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ESBONIO_PREVIEW_WS_PORT", "9001")
	t.Setenv("ESBONIO_WORKER_COMMAND", "python -m esbonio.worker")

	cfg, err := Load(New(filepath.Join(t.TempDir(), "missing.yaml")))
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Preview.WSPort)
	assert.Equal(t, []string{"python", "-m", "esbonio.worker"}, cfg.Worker.Command)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"http port", "preview:\n  http_port: 70000\n", "preview.http_port"},
		{"ws port", "preview:\n  ws_port: -1\n", "preview.ws_port"},
		{"empty command", "worker:\n  command: [\"\"]\n", "worker.command"},
		{"negative timeout", "worker:\n  startup_timeout: -1s\n", "worker.startup_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "esbonio.yaml")
			writeConfig(t, path, tt.body)

			_, err := Load(New(path))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "esbonio.yaml")
	writeConfig(t, path, "preview: [unterminated\n")

	_, err := Load(New(path))
	assert.ErrorContains(t, err, "read config")
}

func TestPreviewConfigChanges(t *testing.T) {
	base := PreviewConfig{Bind: "localhost", HTTPPort: 8000, WSPort: 8001}

	markers := base
	markers.ShowLineMarkers = true
	assert.False(t, base.Equal(markers))
	assert.False(t, base.ContentChanged(markers))
	assert.False(t, base.ControlChanged(markers))

	http := base
	http.HTTPPort = 8080
	assert.True(t, base.ContentChanged(http))
	assert.False(t, base.ControlChanged(http))

	bind := base
	bind.Bind = "0.0.0.0"
	assert.True(t, base.ContentChanged(bind))
	assert.True(t, base.ControlChanged(bind))
}

func TestSourceReloadNotifiesOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "esbonio.yaml")
	writeConfig(t, path, "preview:\n  http_port: 8000\n")

	s, err := NewSource(New(path), discard())
	require.NoError(t, err)
	assert.Equal(t, 8000, s.Current().Preview.HTTPPort)

	var got []PreviewConfig
	s.Subscribe(func(c Config) { got = append(got, c.Preview) })

	require.NoError(t, s.Reload())
	assert.Empty(t, got)

	writeConfig(t, path, "preview:\n  http_port: 8000\n  show_line_markers: true\n")
	require.NoError(t, s.Reload())
	require.Len(t, got, 1)
	assert.True(t, got[0].ShowLineMarkers)
	assert.True(t, s.Current().Preview.ShowLineMarkers)
}

func TestSourceReloadKeepsLastGoodConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "esbonio.yaml")
	writeConfig(t, path, "preview:\n  http_port: 8000\n")

	s, err := NewSource(New(path), discard())
	require.NoError(t, err)

	writeConfig(t, path, "preview:\n  http_port: 99999\n")
	require.Error(t, s.Reload())
	assert.Equal(t, 8000, s.Current().Preview.HTTPPort)
}

func TestSourceWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "esbonio.yaml")
	writeConfig(t, path, "preview:\n  ws_port: 8001\n")

	s, err := NewSource(New(path), discard())
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []int
	)
	s.Subscribe(func(c Config) {
		mu.Lock()
		seen = append(seen, c.Preview.WSPort)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	// The watcher may not be registered yet; keep writing until it notices.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("preview:\n  ws_port: 9001\n"), 0o644)
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 9001
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSourceWatchWithoutFile(t *testing.T) {
	t.Setenv("ESBONIO_CONFIG", "")
	v := New("")
	v.SetConfigName("does-not-exist")
	s, err := NewSource(v, discard())
	if err != nil {
		t.Skip("a config file is present in the environment")
	}
	assert.NoError(t, s.Watch(context.Background()))
}
