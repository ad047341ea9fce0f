package worker

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Nitorac/esbonio/internal/config"
	"github.com/Nitorac/esbonio/internal/project"
)

// Factory produces a fresh Client for a project. It holds no per-project
// state; the manager owns the clients it returns.
type Factory interface {
	New(p *project.Project) (Client, error)
}

// ProcessFactory spawns one worker process per project.
type ProcessFactory struct {
	Options ProcessOptions
}

func NewProcessFactory(cfg config.WorkerConfig, logger *slog.Logger) *ProcessFactory {
	return &ProcessFactory{Options: ProcessOptions{
		Command:        cfg.Command,
		Env:            cfg.Env,
		StartupTimeout: cfg.StartupTimeout,
		Logger:         logger,
	}}
}

func (f *ProcessFactory) New(p *project.Project) (Client, error) {
	return NewProcessClient(p.Identity, f.Options), nil
}

// ScriptedFactory hands out pre-built scripted clients keyed by project
// identity.
type ScriptedFactory struct {
	mu      sync.Mutex
	clients map[string]*ScriptedClient
	calls   atomic.Int32
}

var ErrUnexpectedClient = errors.New("worker: no scripted client for project")

func NewScriptedFactory() *ScriptedFactory {
	return &ScriptedFactory{clients: make(map[string]*ScriptedClient)}
}

// Add registers the client to return for identity.
func (f *ScriptedFactory) Add(identity string, c *ScriptedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[identity] = c
}

func (f *ScriptedFactory) New(p *project.Project) (Client, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[p.Identity]
	if !ok {
		return nil, ErrUnexpectedClient
	}
	return c, nil
}

// Calls counts New invocations.
func (f *ScriptedFactory) Calls() int { return int(f.calls.Load()) }
