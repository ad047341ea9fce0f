// Package preview keeps a live viewer in sync with project builds. It owns
// the single preview session: a content server for the build output and a
// control channel for reload and scroll instructions.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/Nitorac/esbonio/internal/config"
	"github.com/Nitorac/esbonio/internal/contracts"
	"github.com/Nitorac/esbonio/internal/manager"
	"github.com/Nitorac/esbonio/internal/project"
	httpserver "github.com/Nitorac/esbonio/internal/transport/http"
	"github.com/Nitorac/esbonio/internal/uri"
	"github.com/Nitorac/esbonio/internal/worker"
)

type State int

const (
	Inactive State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

// BindError reports a listener that could not bind. The previous listeners
// and configuration stay in place unless Restore is set, in which case the
// previous address could not be rebound either and the preview went
// inactive.
type BindError struct {
	Listener string
	Addr     string
	Err      error
	Restore  error
}

func (e *BindError) Error() string {
	msg := fmt.Sprintf("preview %s server: bind %s: %v", e.Listener, e.Addr, e.Err)
	if e.Restore != nil {
		msg += fmt.Sprintf(" (restore failed: %v)", e.Restore)
	}
	return msg
}

func (e *BindError) Unwrap() error { return e.Err }

// Clients resolves the worker client for a file.
type Clients interface {
	GetClient(ctx context.Context, raw string) (worker.Client, error)
}

// Projects resolves the project owning a file.
type Projects interface {
	Resolve(raw string) (*project.Project, error)
}

// Session is the active pairing of the previewed project with its two
// listeners.
type Session struct {
	Config   config.PreviewConfig
	Content  *httpserver.ContentServer
	Control  *httpserver.ControlServer
	BuildURI string
}

type Coordinator struct {
	clients  Clients
	projects Projects
	logger   *slog.Logger

	startContent func(addr string, logger *slog.Logger) (*httpserver.ContentServer, error)
	startControl func(addr string, logger *slog.Logger) (*httpserver.ControlServer, error)

	mu         sync.Mutex
	config     config.PreviewConfig
	session    *Session
	onGoToLine func(contracts.GoToLineMessage)
}

func NewCoordinator(clients Clients, projects Projects, cfg config.PreviewConfig, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		clients:  clients,
		projects: projects,
		logger:   logger.With("component", "preview"),
		config:   cfg,

		startContent: httpserver.StartContentServer,
		startControl: httpserver.StartControlServer,
	}
}

// State reports whether the preview listeners are running.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Inactive
	}
	return Active
}

// Session returns a copy of the active session.
func (c *Coordinator) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// SetGoToLineHandler forwards viewer go-to-line requests to fn, now and
// across listener rebinds.
func (c *Coordinator) SetGoToLineHandler(fn func(contracts.GoToLineMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGoToLine = fn
	if c.session != nil {
		c.session.Control.SetGoToLineHandler(fn)
	}
}

// UpdateConfiguration applies cfg, activating the preview if needed. Only
// listeners whose address changed are rebound.
func (c *Coordinator) UpdateConfiguration(ctx context.Context, cfg config.PreviewConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		s, err := c.activate(cfg)
		if err != nil {
			return err
		}
		c.session = s
		c.config = cfg
		return nil
	}

	s := c.session
	old := s.Config
	if old.Equal(cfg) {
		return nil
	}

	content, control := s.Content, s.Control
	if old.ContentChanged(cfg) {
		root := s.Content.Root()
		c.stop(ctx, s.Content)
		next, err := c.startContent(listenAddr(cfg.Bind, cfg.HTTPPort), c.logger)
		if err != nil {
			bindErr := &BindError{Listener: "content", Addr: listenAddr(cfg.Bind, cfg.HTTPPort), Err: err}
			restored, err := c.restoreContent(old, root)
			if err != nil {
				return c.abandon(ctx, bindErr, err, s.Control)
			}
			s.Content = restored
			return bindErr
		}
		next.SetRoot(root)
		content = next
	}

	if old.ControlChanged(cfg) {
		c.stop(ctx, s.Control)
		next, err := c.startControl(listenAddr(cfg.Bind, cfg.WSPort), c.logger)
		if err != nil {
			bindErr := &BindError{Listener: "control", Addr: listenAddr(cfg.Bind, cfg.WSPort), Err: err}
			restored, err := c.restoreControl(old)
			if err != nil {
				return c.abandon(ctx, bindErr, err, content)
			}
			s.Control = restored
			if content != s.Content {
				c.stop(ctx, content)
				restored, err := c.restoreContent(old, content.Root())
				if err != nil {
					return c.abandon(ctx, bindErr, err, s.Control)
				}
				s.Content = restored
			}
			return bindErr
		}
		next.SetGoToLineHandler(c.onGoToLine)
		control = next
	}

	s.Content, s.Control, s.Config = content, control, cfg
	c.config = cfg
	c.logger.Info("preview reconfigured",
		"http", s.Content.Addr().String(), "ws", s.Control.Addr().String(),
		"show_line_markers", cfg.ShowLineMarkers)
	return nil
}

// activate starts both listeners. Callers hold c.mu.
func (c *Coordinator) activate(cfg config.PreviewConfig) (*Session, error) {
	content, err := c.startContent(listenAddr(cfg.Bind, cfg.HTTPPort), c.logger)
	if err != nil {
		return nil, &BindError{Listener: "content", Addr: listenAddr(cfg.Bind, cfg.HTTPPort), Err: err}
	}
	control, err := c.startControl(listenAddr(cfg.Bind, cfg.WSPort), c.logger)
	if err != nil {
		c.stop(context.Background(), content)
		return nil, &BindError{Listener: "control", Addr: listenAddr(cfg.Bind, cfg.WSPort), Err: err}
	}
	control.SetGoToLineHandler(c.onGoToLine)

	c.logger.Info("preview active", "http", content.Addr().String(), "ws", control.Addr().String())
	return &Session{Config: cfg, Content: content, Control: control}, nil
}

func (c *Coordinator) restoreContent(old config.PreviewConfig, root string) (*httpserver.ContentServer, error) {
	srv, err := c.startContent(listenAddr(old.Bind, old.HTTPPort), c.logger)
	if err != nil {
		return nil, err
	}
	srv.SetRoot(root)
	return srv, nil
}

func (c *Coordinator) restoreControl(old config.PreviewConfig) (*httpserver.ControlServer, error) {
	srv, err := c.startControl(listenAddr(old.Bind, old.WSPort), c.logger)
	if err != nil {
		return nil, err
	}
	srv.SetGoToLineHandler(c.onGoToLine)
	return srv, nil
}

// abandon drops the session after a previous listener could not be
// restored. The next PreviewFile activates again with the last good
// configuration. Callers hold c.mu.
func (c *Coordinator) abandon(ctx context.Context, bindErr *BindError, restoreErr error, live stopper) error {
	c.logger.Error("unable to restore preview listener, deactivating",
		"listener", bindErr.Listener, "error", restoreErr)
	bindErr.Restore = restoreErr
	c.stop(ctx, live)
	c.session = nil
	return bindErr
}

type stopper interface {
	Stop(ctx context.Context) error
}

func (c *Coordinator) stop(ctx context.Context, s stopper) {
	if err := s.Stop(ctx); err != nil {
		c.logger.Warn("stop listener", "error", err)
	}
}

// OnBuild reloads viewers when the previewed project finishes a successful
// build. It is registered as a manager build listener.
func (c *Coordinator) OnBuild(_ context.Context, ev manager.BuildEvent) error {
	c.mu.Lock()
	var (
		previewed string
		control   *httpserver.ControlServer
	)
	if c.session != nil {
		previewed, control = c.session.BuildURI, c.session.Control
	}
	c.mu.Unlock()

	if control == nil || previewed == "" || ev.Client == nil {
		return nil
	}
	if ev.Client.BuildURI() != previewed {
		return nil
	}
	if ev.Err != nil {
		c.logger.Debug("build failed, keeping current preview", "project", ev.Project)
		return nil
	}

	c.logger.Debug("refreshing preview", "project", ev.Project)
	control.Reload()
	return nil
}

// PreviewFile returns the viewer URL for raw, activating the preview if
// needed. It returns false when raw has no page in the build output.
func (c *Coordinator) PreviewFile(ctx context.Context, raw string) (string, bool, error) {
	c.logger.Debug("previewing file", "uri", raw)

	client, err := c.clients.GetClient(ctx, raw)
	if errors.Is(err, project.ErrNoProject) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	p, err := c.projects.Resolve(raw)
	if errors.Is(err, project.ErrNoProject) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	buildPath, ok := p.BuildPath(client, raw)
	if !ok {
		c.logger.Debug("file not included in build output", "uri", raw)
		return "", false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		s, err := c.activate(c.config)
		if err != nil {
			return "", false, err
		}
		c.session = s
	}

	s := c.session
	s.BuildURI = client.BuildURI()
	if dir, err := uri.ToPath(s.BuildURI); err == nil {
		s.Content.SetRoot(dir)
	}

	link := composeURL(s.Config, s.Content.Port(), s.Control.Port(), buildPath)
	c.logger.Info("preview available", "url", link)
	return link, true, nil
}

// Scroll asks connected viewers to reveal the zero-based line.
func (c *Coordinator) Scroll(line int) {
	c.mu.Lock()
	var control *httpserver.ControlServer
	if c.session != nil {
		control = c.session.Control
	}
	c.mu.Unlock()
	if control != nil {
		control.Scroll(line)
	}
}

// Shutdown stops both listeners and returns to Inactive.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return errors.Join(s.Content.Stop(ctx), s.Control.Stop(ctx))
}

func listenAddr(bind string, port int) string {
	return net.JoinHostPort(bind, strconv.Itoa(port))
}

// composeURL builds http://<bind>:<http>/<path>?ws=<ws>[&show-markers=true].
func composeURL(cfg config.PreviewConfig, httpPort, wsPort int, buildPath string) string {
	query := "ws=" + strconv.Itoa(wsPort)
	if cfg.ShowLineMarkers {
		query += "&show-markers=true"
	}
	u := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(viewerHost(cfg.Bind), strconv.Itoa(httpPort)),
		Path:     "/" + strings.TrimPrefix(buildPath, "/"),
		RawQuery: query,
	}
	return u.String()
}

// viewerHost maps wildcard bind addresses onto something a browser can
// connect to.
func viewerHost(bind string) string {
	switch bind {
	case "", "0.0.0.0", "::":
		return "localhost"
	}
	return bind
}
