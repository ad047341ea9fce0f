package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nitorac/esbonio/internal/agent"
	"github.com/Nitorac/esbonio/internal/builder"
	"github.com/Nitorac/esbonio/internal/contracts"
	"github.com/Nitorac/esbonio/internal/logging"
	"github.com/Nitorac/esbonio/internal/render"
	"github.com/Nitorac/esbonio/internal/uri"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errKilled = errors.New("killed")

// newPipeClient returns a ProcessClient whose "process" is an in-memory
// agent connected through pipes.
func newPipeClient(t *testing.T) (*ProcessClient, *int) {
	t.Helper()
	starts := 0

	c := NewProcessClient("file:///project", ProcessOptions{
		Logger:         logging.Discard(),
		StartupTimeout: 5 * time.Second,
	})
	c.start = func(ctx context.Context, cfg contracts.AppConfig) (*proc, error) {
		starts++
		reqR, reqW := io.Pipe()
		respR, respW := io.Pipe()

		a := agent.New(builder.New(render.NewRenderer()), logging.Discard())
		done := make(chan error, 1)
		go func() {
			err := a.Serve(context.Background(), reqR, respW)
			_ = respW.Close()
			done <- err
		}()

		return &proc{
			conn: newConn(respR, reqW),
			wait: func() error { return <-done },
			kill: func() error { return reqR.CloseWithError(errKilled) },
		}, nil
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, &starts
}

func writeProject(t *testing.T) contracts.AppConfig {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.md"), []byte("# Home\n\nHello.\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "guide"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "guide", "setup.md"), []byte("# Setup\n"), 0o644))
	return contracts.AppConfig{
		Builder:  "html",
		ConfDir:  root,
		SrcDir:   root,
		BuildDir: filepath.Join(root, "_build", "html"),
	}
}

func TestProcessClientCreateAndBuild(t *testing.T) {
	ctx := context.Background()
	c, _ := newPipeClient(t)
	cfg := writeProject(t)

	_, err := c.Build(ctx)
	require.ErrorIs(t, err, ErrNotReady)

	info, err := c.CreateApplication(ctx, cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, info.ID, c.ID())
	assert.Equal(t, "html", c.Builder())
	assert.Equal(t, uri.FromPath(cfg.BuildDir), c.BuildURI())
	assert.Equal(t, uri.FromPath(cfg.SrcDir), c.SrcURI())
	assert.Empty(t, c.BuildFileMap())

	res, err := c.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Documents)

	index, err := uri.Canonical(filepath.Join(cfg.SrcDir, "index.md"))
	require.NoError(t, err)
	setup, err := uri.Canonical(filepath.Join(cfg.SrcDir, "guide", "setup.md"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		index: "index.html",
		setup: "guide/setup.html",
	}, c.BuildFileMap())

	assert.FileExists(t, filepath.Join(cfg.BuildDir, "guide", "setup.html"))

	_, err = c.CreateApplication(ctx, cfg)
	assert.ErrorIs(t, err, ErrAlreadyCreated)
}

func TestProcessClientBuildFailureKeepsFileMap(t *testing.T) {
	ctx := context.Background()
	c, _ := newPipeClient(t)
	cfg := writeProject(t)

	_, err := c.CreateApplication(ctx, cfg)
	require.NoError(t, err)
	_, err = c.Build(ctx)
	require.NoError(t, err)
	before := c.BuildFileMap()
	require.Len(t, before, 2)

	require.NoError(t, os.RemoveAll(cfg.SrcDir))

	_, err = c.Build(ctx)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, before, c.BuildFileMap())
}

func TestProcessClientCreateRetryReusesWorker(t *testing.T) {
	ctx := context.Background()
	c, starts := newPipeClient(t)
	cfg := writeProject(t)

	bad := cfg
	bad.Builder = "latex"
	_, err := c.CreateApplication(ctx, bad)
	var ce *CreationError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "unknown builder")
	assert.Empty(t, c.ID())

	_, err = c.CreateApplication(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, *starts)
}

func TestProcessClientStop(t *testing.T) {
	ctx := context.Background()
	c, _ := newPipeClient(t)

	_, err := c.CreateApplication(ctx, writeProject(t))
	require.NoError(t, err)

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))

	_, err = c.Build(ctx)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestProcessClientStopWithoutWorker(t *testing.T) {
	c, starts := newPipeClient(t)
	require.NoError(t, c.Stop(context.Background()))
	assert.Zero(t, *starts)
}

func TestProcessClientMissingCommand(t *testing.T) {
	c := NewProcessClient("file:///project", ProcessOptions{
		Command: []string{filepath.Join(t.TempDir(), "no-such-worker")},
		Logger:  logging.Discard(),
	})

	_, err := c.CreateApplication(context.Background(), contracts.AppConfig{ConfDir: t.TempDir()})
	var ce *CreationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "file:///project", ce.Project)
	require.NoError(t, c.Stop(context.Background()))
}
