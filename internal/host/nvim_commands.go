package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Nitorac/esbonio/internal/app"
	"github.com/Nitorac/esbonio/internal/contracts"
	"github.com/Nitorac/esbonio/internal/manager"
	"github.com/Nitorac/esbonio/internal/project"
	"github.com/Nitorac/esbonio/internal/uri"
	"github.com/Nitorac/esbonio/internal/worker"

	"github.com/neovim/go-client/nvim"
	"github.com/neovim/go-client/nvim/plugin"
)

const (
	previewTimeout  = 2 * time.Minute
	shutdownTimeout = 5 * time.Second
)

// Commands is a state container for Neovim command handlers.
// It tracks the previewed buffer and delegates to the LivePreview service.
type Commands struct {
	preview *app.LivePreview
	logger  *slog.Logger

	mu          sync.Mutex
	nv          *nvim.Nvim
	previewing  string
	lastTopLine int
}

func NewCommands(preview *app.LivePreview, logger *slog.Logger) *Commands {
	c := &Commands{
		preview:     preview,
		logger:      logger.With("component", "host"),
		lastTopLine: -1,
	}

	preview.SetGoToLineHandler(c.handleGoToLine)
	preview.AddBuildListener(manager.BuildHandlerFunc(c.reportBuild))
	return c
}

// Register registers Neovim command/function/autocmd handlers.
func Register(p *plugin.Plugin, preview *app.LivePreview, logger *slog.Logger) error {
	commands := NewCommands(preview, logger)

	p.Handle("poll", func() (string, error) {
		return "ok", nil
	})

	p.HandleCommand(&plugin.CommandOptions{
		Name: "EsbonioPreview",
	}, commands.EsbonioPreview)

	p.HandleCommand(&plugin.CommandOptions{
		Name: "EsbonioBuild",
	}, commands.EsbonioBuild)

	p.HandleCommand(&plugin.CommandOptions{
		Name: "EsbonioClose",
	}, commands.EsbonioClose)

	p.HandleFunction(&plugin.FunctionOptions{
		Name: "EsbonioInternalScroll",
	}, commands.EsbonioScroll)

	p.HandleAutocmd(&plugin.AutocmdOptions{
		Event:   "BufWritePost",
		Pattern: "*.md,*.markdown",
	}, commands.onWrite)

	p.HandleAutocmd(&plugin.AutocmdOptions{
		Event:   "VimLeavePre",
		Pattern: "*",
	}, commands.onExit)

	return nil
}

// EsbonioPreview shows the preview URL for the current buffer, building the
// project first if the buffer has no page yet.
func (c *Commands) EsbonioPreview(v *nvim.Nvim) error {
	c.attach(v)

	src, err := c.currentURI(v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), previewTimeout)
	defer cancel()

	link, ok, err := c.preview.PreviewFile(ctx, src)
	if err == nil && !ok {
		if _, buildErr := c.preview.Build(ctx, src); buildErr == nil {
			link, ok, err = c.preview.PreviewFile(ctx, src)
		}
	}
	if err != nil {
		return err
	}
	if !ok {
		return echo(v, "no preview available for this file")
	}

	c.mu.Lock()
	c.previewing = src
	c.lastTopLine = -1
	c.mu.Unlock()

	return echo(v, "preview: "+link)
}

// EsbonioBuild builds the project owning the current buffer.
func (c *Commands) EsbonioBuild(v *nvim.Nvim) error {
	c.attach(v)

	src, err := c.currentURI(v)
	if err != nil {
		return err
	}
	go c.build(src)
	return nil
}

// EsbonioClose stops the worker of the project owning the current buffer.
func (c *Commands) EsbonioClose(v *nvim.Nvim) error {
	src, err := c.currentURI(v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return c.preview.CloseProject(ctx, src)
}

// EsbonioScroll syncs the viewer with the top visible line of the
// previewed buffer.
func (c *Commands) EsbonioScroll(v *nvim.Nvim) error {
	src, err := c.currentURI(v)
	if err != nil {
		return err
	}

	var top int
	if err := v.Eval(`line("w0")`, &top); err != nil {
		return err
	}

	c.mu.Lock()
	if src != c.previewing || top == c.lastTopLine {
		c.mu.Unlock()
		return nil
	}
	c.lastTopLine = top
	c.mu.Unlock()

	c.preview.Scroll(top - 1)
	return nil
}

func (c *Commands) onWrite(v *nvim.Nvim) error {
	c.attach(v)

	src, err := c.currentURI(v)
	if err != nil {
		return err
	}
	go c.build(src)
	return nil
}

func (c *Commands) onExit() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return c.preview.Shutdown(ctx)
}

func (c *Commands) build(src string) {
	ctx, cancel := context.WithTimeout(context.Background(), previewTimeout)
	defer cancel()

	_, err := c.preview.Build(ctx, src)
	var buildErr *worker.BuildError
	switch {
	case err == nil:
	case errors.Is(err, project.ErrNoProject), errors.Is(err, manager.ErrCancelled):
		c.logger.Debug("build skipped", "uri", src, "error", err)
	case errors.As(err, &buildErr):
		// Already reported by reportBuild.
	default:
		c.notifyError(fmt.Sprintf("esbonio: %v", err))
	}
}

// reportBuild surfaces failed builds in the editor.
func (c *Commands) reportBuild(_ context.Context, ev manager.BuildEvent) error {
	if ev.Err == nil {
		return nil
	}
	c.notifyError(fmt.Sprintf("esbonio: build failed: %v", ev.Err))
	return nil
}

func (c *Commands) notifyError(msg string) {
	c.mu.Lock()
	v := c.nv
	c.mu.Unlock()
	if v == nil {
		c.logger.Warn(msg)
		return
	}
	if err := v.Command(fmt.Sprintf(`echohl ErrorMsg | echom %s | echohl None`, vimString(msg))); err != nil {
		c.logger.Warn("unable to notify editor", "error", err)
	}
}

func (c *Commands) attach(v *nvim.Nvim) {
	c.mu.Lock()
	c.nv = v
	c.mu.Unlock()
}

func (c *Commands) currentURI(v *nvim.Nvim) (string, error) {
	absPath, err := v.BufferName(0)
	if err != nil {
		return "", err
	}
	if absPath == "" {
		return "", errors.New("buffer has no file")
	}
	return uri.FromPath(absPath), nil
}

func (c *Commands) handleGoToLine(msg contracts.GoToLineMessage) {
	c.mu.Lock()
	v := c.nv
	active := c.previewing != ""
	c.mu.Unlock()
	if !active || v == nil || msg.Line < 1 {
		return
	}

	win, err := v.CurrentWindow()
	if err != nil {
		return
	}
	if err := v.SetWindowCursor(win, [2]int{msg.Line, 0}); err != nil {
		return
	}

	_ = v.Command("normal! zz")
}

func echo(v *nvim.Nvim, msg string) error {
	return v.Command("echom " + vimString("[esbonio] "+msg))
}

// vimString quotes s as a Vim double-quoted string literal.
func vimString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}
