package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Nitorac/esbonio/internal/config"
	"github.com/Nitorac/esbonio/internal/contracts"
	"github.com/Nitorac/esbonio/internal/logging"
	"github.com/Nitorac/esbonio/internal/manager"
	"github.com/Nitorac/esbonio/internal/project"
	httpserver "github.com/Nitorac/esbonio/internal/transport/http"
	"github.com/Nitorac/esbonio/internal/uri"
	"github.com/Nitorac/esbonio/internal/worker"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const projectID = "file:///work/docs"

// fakeWorkspace serves one project and its client to the coordinator.
type fakeWorkspace struct {
	project *project.Project
	client  worker.Client
	files   map[string]bool
}

func (w *fakeWorkspace) Resolve(raw string) (*project.Project, error) {
	if !w.files[raw] {
		return nil, fmt.Errorf("%s: %w", raw, project.ErrNoProject)
	}
	return w.project, nil
}

func (w *fakeWorkspace) GetClient(_ context.Context, raw string) (worker.Client, error) {
	if _, err := w.Resolve(raw); err != nil {
		return nil, err
	}
	return w.client, nil
}

func newWorkspace(t *testing.T, files map[string]string) (*fakeWorkspace, *worker.ScriptedClient) {
	t.Helper()
	ctx := context.Background()

	c := worker.NewScriptedClient(uri.FromPath(t.TempDir()),
		worker.ScriptedBuild{Result: contracts.BuildResult{Documents: len(files), FileMap: files}})
	_, err := c.CreateApplication(ctx, contracts.AppConfig{})
	require.NoError(t, err)
	_, err = c.Build(ctx)
	require.NoError(t, err)

	known := map[string]bool{}
	for src := range files {
		known[src] = true
	}
	known["notes.txt"] = true

	return &fakeWorkspace{
		project: &project.Project{Identity: projectID},
		client:  c,
		files:   known,
	}, c
}

func newCoordinator(t *testing.T, ws *fakeWorkspace, cfg config.PreviewConfig) *Coordinator {
	t.Helper()
	c := NewCoordinator(ws, ws, cfg, logging.Discard())
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func loopback() config.PreviewConfig {
	return config.PreviewConfig{Bind: "127.0.0.1"}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func dialViewer(t *testing.T, c *Coordinator) *websocket.Conn {
	t.Helper()
	s, ok := c.Session()
	require.True(t, ok)

	before := s.Control.Connections()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Control.Addr().String()+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return s.Control.Connections() == before+1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestPreviewFileURL(t *testing.T) {
	ws, _ := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, config.PreviewConfig{Bind: "localhost"})

	require.NoError(t, c.UpdateConfiguration(context.Background(), config.PreviewConfig{Bind: "localhost"}))
	assert.Equal(t, Active, c.State())

	link, ok, err := c.PreviewFile(context.Background(), "index.rst")
	require.NoError(t, err)
	require.True(t, ok)

	s, _ := c.Session()
	assert.NotZero(t, s.Content.Port())
	assert.NotZero(t, s.Control.Port())
	assert.Equal(t, fmt.Sprintf("http://localhost:%d/index.html?ws=%d", s.Content.Port(), s.Control.Port()), link)
	assert.Equal(t, ws.client.BuildURI(), s.BuildURI)
}

func TestPreviewFileShowsMarkers(t *testing.T) {
	ws, _ := newWorkspace(t, map[string]string{"guide/setup.rst": "guide/setup.html"})
	cfg := loopback()
	cfg.ShowLineMarkers = true
	c := newCoordinator(t, ws, cfg)

	link, ok, err := c.PreviewFile(context.Background(), "guide/setup.rst")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(link, "&show-markers=true"), link)
	assert.Contains(t, link, "/guide/setup.html?ws=")
}

func TestPreviewFileActivatesInactiveCoordinator(t *testing.T) {
	ws, _ := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())
	require.Equal(t, Inactive, c.State())

	_, ok, err := c.PreviewFile(context.Background(), "index.rst")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Active, c.State())
}

func TestPreviewFileNotInBuild(t *testing.T) {
	ws, _ := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())

	link, ok, err := c.PreviewFile(context.Background(), "notes.txt")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, link)

	link, ok, err = c.PreviewFile(context.Background(), "file:///elsewhere/readme.rst")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, link)
	assert.Equal(t, Inactive, c.State())
}

func TestMarkerToggleKeepsListeners(t *testing.T) {
	ws, _ := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())
	ctx := context.Background()

	require.NoError(t, c.UpdateConfiguration(ctx, loopback()))
	before, _ := c.Session()
	viewer := dialViewer(t, c)

	cfg := loopback()
	cfg.ShowLineMarkers = true
	require.NoError(t, c.UpdateConfiguration(ctx, cfg))

	after, _ := c.Session()
	assert.Same(t, before.Content, after.Content)
	assert.Same(t, before.Control, after.Control)
	assert.Equal(t, before.Content.Port(), after.Content.Port())
	assert.True(t, after.Config.ShowLineMarkers)
	assert.Equal(t, 1, after.Control.Connections())

	link, ok, err := c.PreviewFile(ctx, "index.rst")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, link, "show-markers=true")

	c.Scroll(3)
	assert.Equal(t, "scroll", readMessage(t, viewer)["type"])
}

func TestHTTPPortChangeRebindsContentOnly(t *testing.T) {
	ws, _ := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())
	ctx := context.Background()

	require.NoError(t, c.UpdateConfiguration(ctx, loopback()))
	_, _, err := c.PreviewFile(ctx, "index.rst")
	require.NoError(t, err)
	before, _ := c.Session()

	cfg := loopback()
	cfg.HTTPPort = freePort(t)
	require.NoError(t, c.UpdateConfiguration(ctx, cfg))

	after, _ := c.Session()
	assert.NotSame(t, before.Content, after.Content)
	assert.Equal(t, cfg.HTTPPort, after.Content.Port())
	assert.Equal(t, before.Content.Root(), after.Content.Root())
	assert.Same(t, before.Control, after.Control)
}

func TestWSPortChangeRebindsControlOnly(t *testing.T) {
	ws, _ := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())
	ctx := context.Background()

	_, _, err := c.PreviewFile(ctx, "index.rst")
	require.NoError(t, err)
	before, _ := c.Session()

	cfg := loopback()
	cfg.WSPort = freePort(t)
	require.NoError(t, c.UpdateConfiguration(ctx, cfg))

	after, _ := c.Session()
	assert.Same(t, before.Content, after.Content)
	assert.NotSame(t, before.Control, after.Control)
	assert.Equal(t, cfg.WSPort, after.Control.Port())
	assert.Zero(t, before.Control.Connections())

	link, ok, err := c.PreviewFile(ctx, "index.rst")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, link, fmt.Sprintf("?ws=%d", cfg.WSPort))
}

func TestRestoreFailureDeactivates(t *testing.T) {
	ws, _ := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())
	ctx := context.Background()

	// The first bind succeeds, every later one fails.
	var binds int
	c.startControl = func(addr string, logger *slog.Logger) (*httpserver.ControlServer, error) {
		binds++
		if binds > 1 {
			return nil, errors.New("address in use")
		}
		return httpserver.StartControlServer(addr, logger)
	}

	_, _, err := c.PreviewFile(ctx, "index.rst")
	require.NoError(t, err)
	before, _ := c.Session()

	cfg := loopback()
	cfg.WSPort = freePort(t)
	err = c.UpdateConfiguration(ctx, cfg)

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, "control", bindErr.Listener)
	require.Error(t, bindErr.Restore)
	assert.Contains(t, err.Error(), "restore failed")
	assert.Equal(t, Inactive, c.State())

	// Both old listeners are gone.
	_, err = net.Dial("tcp", before.Content.Addr().String())
	assert.Error(t, err)

	c.startControl = httpserver.StartControlServer
	_, ok, err := c.PreviewFile(ctx, "index.rst")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := c.Session()
	assert.Equal(t, loopback(), s.Config)
}

func TestBindFailureKeepsPreviousConfiguration(t *testing.T) {
	ws, _ := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())
	ctx := context.Background()

	require.NoError(t, c.UpdateConfiguration(ctx, loopback()))

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := loopback()
	cfg.WSPort = busy.Addr().(*net.TCPAddr).Port
	err = c.UpdateConfiguration(ctx, cfg)

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, "control", bindErr.Listener)

	s, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, loopback(), s.Config)
	assert.Equal(t, Active, c.State())

	link, ok, err := c.PreviewFile(ctx, "index.rst")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, link, fmt.Sprintf("?ws=%d", s.Control.Port()))
}

func TestActivationBindFailureStaysInactive(t *testing.T) {
	ws, _ := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := loopback()
	cfg.HTTPPort = busy.Addr().(*net.TCPAddr).Port
	err = c.UpdateConfiguration(context.Background(), cfg)

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, "content", bindErr.Listener)
	assert.Equal(t, Inactive, c.State())
}

func TestOnBuildReloadsPreviewedProject(t *testing.T) {
	ws, client := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())
	ctx := context.Background()

	_, ok, err := c.PreviewFile(ctx, "index.rst")
	require.NoError(t, err)
	require.True(t, ok)
	viewer := dialViewer(t, c)

	require.NoError(t, c.OnBuild(ctx, manager.BuildEvent{Project: projectID, Client: client}))
	assert.Equal(t, map[string]any{"type": "reload"}, readMessage(t, viewer))
}

func TestOnBuildIgnoresOtherProjectsAndFailures(t *testing.T) {
	ws, client := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())
	ctx := context.Background()

	_, ok, err := c.PreviewFile(ctx, "index.rst")
	require.NoError(t, err)
	require.True(t, ok)
	viewer := dialViewer(t, c)

	other := worker.NewScriptedClient("file:///work/other/_build/html")
	_, err = other.CreateApplication(ctx, contracts.AppConfig{})
	require.NoError(t, err)

	require.NoError(t, c.OnBuild(ctx, manager.BuildEvent{Project: "file:///work/other", Client: other}))
	require.NoError(t, c.OnBuild(ctx, manager.BuildEvent{Project: projectID, Client: client, Err: errors.New("broken")}))
	expectSilence(t, viewer)
}

func TestOnBuildWhileInactive(t *testing.T) {
	ws, client := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())

	assert.NoError(t, c.OnBuild(context.Background(), manager.BuildEvent{Project: projectID, Client: client}))
	c.Scroll(10)
	assert.Equal(t, Inactive, c.State())
}

func TestScrollReachesEveryViewer(t *testing.T) {
	ws, _ := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())

	_, _, err := c.PreviewFile(context.Background(), "index.rst")
	require.NoError(t, err)
	first, second := dialViewer(t, c), dialViewer(t, c)

	c.Scroll(42)
	for _, v := range []*websocket.Conn{first, second} {
		msg := readMessage(t, v)
		assert.Equal(t, "scroll", msg["type"])
		assert.EqualValues(t, 42, msg["line"])
	}
}

func TestScrollFollowsRebind(t *testing.T) {
	ws, client := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())
	ctx := context.Background()

	_, _, err := c.PreviewFile(ctx, "index.rst")
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				c.Scroll(1)
				_ = c.OnBuild(ctx, manager.BuildEvent{Project: projectID, Client: client})
			}
		}
	}()
	for range 3 {
		cfg := loopback()
		cfg.WSPort = freePort(t)
		require.NoError(t, c.UpdateConfiguration(ctx, cfg))
	}
	close(stop)
	<-done

	viewer := dialViewer(t, c)
	c.Scroll(5)
	assert.Equal(t, map[string]any{"type": "scroll", "line": float64(5)}, readMessage(t, viewer))
}

func TestShutdownDeactivates(t *testing.T) {
	ws, _ := newWorkspace(t, map[string]string{"index.rst": "index.html"})
	c := newCoordinator(t, ws, loopback())

	_, _, err := c.PreviewFile(context.Background(), "index.rst")
	require.NoError(t, err)
	viewer := dialViewer(t, c)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, Inactive, c.State())

	require.NoError(t, viewer.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = viewer.ReadMessage()
	assert.Error(t, err)
}

func TestComposeURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.PreviewConfig
		path string
		want string
	}{
		{"plain", config.PreviewConfig{Bind: "localhost"}, "index.html", "http://localhost:8000/index.html?ws=8001"},
		{"markers", config.PreviewConfig{Bind: "localhost", ShowLineMarkers: true}, "a/b.html", "http://localhost:8000/a/b.html?ws=8001&show-markers=true"},
		{"wildcard bind", config.PreviewConfig{Bind: "0.0.0.0"}, "/index.html", "http://localhost:8000/index.html?ws=8001"},
		{"ipv6", config.PreviewConfig{Bind: "::1"}, "index.html", "http://[::1]:8000/index.html?ws=8001"},
		{"dirhtml", config.PreviewConfig{Bind: "127.0.0.1"}, "guide/", "http://127.0.0.1:8000/guide/?ws=8001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, composeURL(tt.cfg, 8000, 8001, tt.path))
		})
	}
}
