package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/Nitorac/esbonio/internal/contracts"
	"github.com/Nitorac/esbonio/internal/worker"
)

// BuildEvent is published after every build attempt, successful or not.
type BuildEvent struct {
	Project  string
	Client   worker.Client
	Result   contracts.BuildResult
	Err      error
	Duration time.Duration
}

// Failed reports whether the build produced an error.
func (e BuildEvent) Failed() bool { return e.Err != nil }

// BuildHandler receives build events. Returned errors and panics are logged
// and never reach other handlers or the build's caller.
type BuildHandler interface {
	OnBuild(ctx context.Context, ev BuildEvent) error
}

// BuildHandlerFunc adapts a function to BuildHandler.
type BuildHandlerFunc func(ctx context.Context, ev BuildEvent) error

func (f BuildHandlerFunc) OnBuild(ctx context.Context, ev BuildEvent) error {
	return f(ctx, ev)
}

// AddBuildListener registers h; handlers run in registration order.
func (m *Manager) AddBuildListener(h BuildHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Manager) dispatch(ctx context.Context, ev BuildEvent) {
	m.handlersMu.RLock()
	handlers := append([]BuildHandler(nil), m.handlers...)
	m.handlersMu.RUnlock()

	for i, h := range handlers {
		if err := safeCall(ctx, h, ev); err != nil {
			m.logger.Error("build listener failed", "project", ev.Project, "listener", i, "error", err)
		}
	}
}

func safeCall(ctx context.Context, h BuildHandler, ev BuildEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.OnBuild(ctx, ev)
}
