package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/Nitorac/esbonio/internal/contracts"
)

const stopGrace = 2 * time.Second

// proc is a running worker: its protocol connection plus process control.
type proc struct {
	conn *conn
	wait func() error
	kill func() error
}

type startFunc func(ctx context.Context, cfg contracts.AppConfig) (*proc, error)

// ProcessOptions configure how worker processes are spawned.
type ProcessOptions struct {
	Command        []string
	Env            []string
	StartupTimeout time.Duration
	Logger         *slog.Logger
}

// ProcessClient drives an out-of-process build worker over stdio.
type ProcessClient struct {
	appState

	project        string
	startupTimeout time.Duration
	logger         *slog.Logger
	start          startFunc

	// mu serialises create and build on this client only.
	mu sync.Mutex

	procMu sync.Mutex
	proc   *proc
}

func NewProcessClient(project string, opts ProcessOptions) *ProcessClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker", "project", project)

	c := &ProcessClient{
		project:        project,
		startupTimeout: opts.StartupTimeout,
		logger:         logger,
	}
	c.start = func(ctx context.Context, cfg contracts.AppConfig) (*proc, error) {
		return spawn(ctx, opts.Command, opts.Env, cfg.ConfDir, logger)
	}
	return c
}

func spawn(ctx context.Context, command, env []string, dir string, logger *slog.Logger) (*proc, error) {
	if len(command) == 0 {
		return nil, errors.New("no worker command configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command[0], err)
	}
	logger.Debug("worker started", "pid", cmd.Process.Pid, "command", command)

	go forwardStderr(stderr, logger)

	return &proc{
		conn: newConn(stdout, stdin),
		wait: cmd.Wait,
		kill: cmd.Process.Kill,
	}, nil
}

func forwardStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug(scanner.Text(), "stream", "stderr")
	}
}

func (c *ProcessClient) CreateApplication(ctx context.Context, cfg contracts.AppConfig) (contracts.AppInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped.Load() {
		return contracts.AppInfo{}, &CreationError{Project: c.project, Cause: ErrStopped}
	}
	if c.created() {
		return contracts.AppInfo{}, ErrAlreadyCreated
	}

	if c.startupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.startupTimeout)
		defer cancel()
	}

	p, err := c.running(ctx, cfg)
	if err != nil {
		return contracts.AppInfo{}, &CreationError{Project: c.project, Cause: err}
	}

	var info contracts.AppInfo
	if err := p.conn.call(ctx, contracts.MethodCreateApplication, cfg, &info); err != nil {
		c.reapIfDead(p)
		return contracts.AppInfo{}, &CreationError{Project: c.project, Cause: err}
	}

	c.setInfo(info)
	c.logger.Info("application created", "id", info.ID, "builder", info.Builder, "build_uri", info.BuildURI)
	return info, nil
}

// running returns the live worker, spawning one if needed.
func (c *ProcessClient) running(ctx context.Context, cfg contracts.AppConfig) (*proc, error) {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	if c.proc != nil {
		return c.proc, nil
	}
	p, err := c.start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.proc = p
	return p, nil
}

// reapIfDead forgets a worker whose connection dropped so that a retry
// spawns a fresh one.
func (c *ProcessClient) reapIfDead(p *proc) {
	select {
	case <-p.conn.done:
	default:
		return
	}
	c.procMu.Lock()
	if c.proc == p {
		c.proc = nil
	}
	c.procMu.Unlock()
	_ = p.conn.close()
	_ = p.kill()
	_ = p.wait()
}

func (c *ProcessClient) Build(ctx context.Context) (contracts.BuildResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped.Load() {
		return contracts.BuildResult{}, ErrStopped
	}
	if !c.created() {
		return contracts.BuildResult{}, ErrNotReady
	}

	c.procMu.Lock()
	p := c.proc
	c.procMu.Unlock()
	if p == nil {
		return contracts.BuildResult{}, &BuildError{Project: c.project, Cause: errConnClosed}
	}

	var result contracts.BuildResult
	if err := p.conn.call(ctx, contracts.MethodBuild, nil, &result); err != nil {
		return contracts.BuildResult{}, &BuildError{Project: c.project, Cause: err}
	}
	c.replaceFiles(result.FileMap)
	return result, nil
}

func (c *ProcessClient) Stop(ctx context.Context) error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	c.procMu.Lock()
	p := c.proc
	c.proc = nil
	c.procMu.Unlock()
	if p == nil {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, stopGrace)
	_ = p.conn.call(sctx, contracts.MethodShutdown, nil, nil)
	cancel()
	_ = p.conn.close()

	exited := make(chan error, 1)
	go func() { exited <- p.wait() }()

	select {
	case err := <-exited:
		return exitErr(err)
	case <-time.After(stopGrace):
		c.logger.Warn("worker did not exit, killing")
		if err := p.kill(); err != nil {
			return fmt.Errorf("kill worker: %w", err)
		}
		<-exited
		return nil
	}
}

// exitErr ignores the non-zero exit status of a worker we asked to stop.
func exitErr(err error) error {
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return nil
	}
	return err
}
