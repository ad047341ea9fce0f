// Package manager owns the per-project build workers: it creates them on
// first use, serialises builds per project and publishes build events.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Nitorac/esbonio/internal/contracts"
	"github.com/Nitorac/esbonio/internal/project"
	"github.com/Nitorac/esbonio/internal/uri"
	"github.com/Nitorac/esbonio/internal/worker"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrCancelled is returned to callers whose queued build was dropped
	// because the project closed.
	ErrCancelled = errors.New("build cancelled")
	// ErrClosed is returned once the manager has shut down.
	ErrClosed = errors.New("manager closed")
)

// Resolver maps a file URI onto the project that owns it.
type Resolver interface {
	Resolve(raw string) (*project.Project, error)
}

type entry struct {
	project *project.Project
	client  worker.Client
	queue   *buildQueue
}

type Manager struct {
	resolver Resolver
	factory  worker.Factory
	logger   *slog.Logger

	// ctx bounds every build; cancelled when shutdown gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	// closing holds a tombstone per project whose client is being torn
	// down; it is closed once the old client has stopped.
	closing map[string]chan struct{}
	// gens counts closes per project so a creation that straddles a close
	// can tell it lost.
	gens   map[string]uint64
	closed bool

	handlersMu sync.RWMutex
	handlers   []BuildHandler
}

func New(resolver Resolver, factory worker.Factory, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		resolver: resolver,
		factory:  factory,
		logger:   logger.With("component", "manager"),
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
		closing:  make(map[string]chan struct{}),
		gens:     make(map[string]uint64),
	}
}

// GetClient returns the client for the project owning raw, creating and
// starting it on first use. It returns project.ErrNoProject (wrapped) when
// no project owns raw and a *worker.CreationError when the worker could not
// start.
func (m *Manager) GetClient(ctx context.Context, raw string) (worker.Client, error) {
	e, err := m.entryFor(ctx, raw)
	if err != nil {
		return nil, err
	}
	return e.client, nil
}

func (m *Manager) entryFor(ctx context.Context, raw string) (*entry, error) {
	p, err := m.resolver.Resolve(raw)
	if err != nil {
		m.logger.Warn("unable to resolve project", "uri", raw, "error", err)
		return nil, err
	}

	if e, _, err := m.settle(ctx, p.Identity); e != nil || err != nil {
		return e, err
	}

	// The creation outlives any single waiter; each caller only waits as long
	// as its own context allows.
	ch := m.flight.DoChan(p.Identity, func() (any, error) {
		return m.create(context.WithoutCancel(ctx), p)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*entry), nil
	}
}

// settle waits for any close in progress on identity, then returns the
// registered entry (nil if none) and the close generation it saw.
func (m *Manager) settle(ctx context.Context, identity string) (*entry, uint64, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, 0, ErrClosed
		}
		wait := m.closing[identity]
		if wait == nil {
			e, gen := m.entries[identity], m.gens[identity]
			m.mu.Unlock()
			return e, gen, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-wait:
		}
	}
}

func (m *Manager) create(ctx context.Context, p *project.Project) (*entry, error) {
	e, gen, err := m.settle(ctx, p.Identity)
	if e != nil || err != nil {
		return e, err
	}

	client, err := m.factory.New(p)
	if err != nil {
		return nil, &worker.CreationError{Project: p.Identity, Cause: err}
	}

	start := time.Now()
	info, err := client.CreateApplication(ctx, p.App)
	if err != nil {
		m.logger.Error("unable to create application", "project", p.Identity, "error", err)
		if stopErr := client.Stop(ctx); stopErr != nil {
			m.logger.Warn("stop after failed creation", "project", p.Identity, "error", stopErr)
		}
		var ce *worker.CreationError
		if !errors.As(err, &ce) {
			err = &worker.CreationError{Project: p.Identity, Cause: err}
		}
		return nil, err
	}

	e = &entry{project: p, client: client}
	e.queue = newBuildQueue(func() (contracts.BuildResult, error) {
		return m.runBuild(e)
	})

	m.mu.Lock()
	switch {
	case m.closed:
		err = ErrClosed
	case m.gens[p.Identity] != gen:
		err = ErrCancelled
	default:
		m.entries[p.Identity] = e
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Info("project closed during creation", "project", p.Identity)
		if stopErr := client.Stop(ctx); stopErr != nil {
			m.logger.Warn("stop after cancelled creation", "project", p.Identity, "error", stopErr)
		}
		return nil, err
	}

	m.logger.Info("client ready", "project", p.Identity, "id", info.ID, "elapsed", time.Since(start))
	return e, nil
}

// TriggerBuild builds the project owning raw. Builds for one project never
// overlap: a request made while a build runs waits for the next build and
// returns that build's outcome. Build events are published before the
// result is returned.
func (m *Manager) TriggerBuild(ctx context.Context, raw string) (contracts.BuildResult, error) {
	e, err := m.entryFor(ctx, raw)
	if err != nil {
		return contracts.BuildResult{}, err
	}

	r := e.queue.submit()
	select {
	case <-ctx.Done():
		return contracts.BuildResult{}, ctx.Err()
	case <-r.done:
		return r.result, r.err
	}
}

func (m *Manager) runBuild(e *entry) (contracts.BuildResult, error) {
	id := e.project.Identity
	m.logger.Debug("build started", "project", id)

	start := time.Now()
	result, err := e.client.Build(m.ctx)
	elapsed := time.Since(start)

	if err != nil {
		m.logger.Warn("build failed", "project", id, "elapsed", elapsed, "error", err)
	} else {
		m.logger.Info("build finished", "project", id, "elapsed", elapsed,
			"documents", result.Documents, "warnings", len(result.Warnings))
	}

	m.dispatch(m.ctx, BuildEvent{
		Project:  id,
		Client:   e.client,
		Result:   result,
		Err:      err,
		Duration: elapsed,
	})
	return result, err
}

// CloseProject drops queued builds for the project owning raw (their
// callers get ErrCancelled), waits for an in-flight build, then stops the
// client. A client still being created is stopped as soon as it is ready
// and its callers get ErrCancelled. Requests for the project made while the
// old client shuts down wait for it to stop before a new one is created.
func (m *Manager) CloseProject(ctx context.Context, raw string) error {
	id := m.identity(raw)

	m.mu.Lock()
	if wait := m.closing[id]; wait != nil {
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
			return nil
		}
	}
	m.gens[id]++
	e := m.entries[id]
	if e == nil {
		m.mu.Unlock()
		return nil
	}
	delete(m.entries, id)
	done := make(chan struct{})
	m.closing[id] = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.closing, id)
		m.mu.Unlock()
		close(done)
	}()
	return m.teardown(ctx, e)
}

func (m *Manager) identity(raw string) string {
	if p, err := m.resolver.Resolve(raw); err == nil {
		return p.Identity
	}
	if canonical, err := uri.Canonical(raw); err == nil {
		return canonical
	}
	return raw
}

func (m *Manager) teardown(ctx context.Context, e *entry) error {
	id := e.project.Identity
	select {
	case <-e.queue.close():
	case <-ctx.Done():
		m.logger.Warn("gave up waiting for build", "project", id)
	}

	if err := e.client.Stop(ctx); err != nil {
		m.logger.Warn("stop client", "project", id, "error", err)
		return err
	}
	m.logger.Info("client stopped", "project", id)
	return nil
}

// Shutdown stops every client. Failures are logged and joined; one bad
// client does not prevent the others from stopping.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	defer m.cancel()

	var wg sync.WaitGroup
	errs := make([]error, 0, len(entries))
	var errMu sync.Mutex
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := m.teardown(ctx, e); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Clients returns the registered clients keyed by project identity.
func (m *Manager) Clients() map[string]worker.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]worker.Client, len(m.entries))
	for id, e := range m.entries {
		out[id] = e.client
	}
	return out
}
