// Package worker defines the build-worker client protocol and its two
// implementations: a subprocess-backed client and a scripted in-memory
// client for tests.
package worker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/Nitorac/esbonio/internal/contracts"
)

var (
	// ErrNotReady is returned by operations that need a created application.
	ErrNotReady = errors.New("worker: application not created")
	// ErrAlreadyCreated is returned by a second successful CreateApplication.
	ErrAlreadyCreated = errors.New("worker: application already created")
	// ErrStopped is returned by operations on a stopped client.
	ErrStopped = errors.New("worker: client stopped")
)

// CreationError means the worker or its application could not start.
type CreationError struct {
	Project string
	Cause   error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create application for %s: %v", e.Project, e.Cause)
}

func (e *CreationError) Unwrap() error { return e.Cause }

// BuildError means a build attempt failed.
type BuildError struct {
	Project string
	Cause   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %v", e.Project, e.Cause)
}

func (e *BuildError) Unwrap() error { return e.Cause }

// Client is a handle on one build worker for one project.
//
// Identity and URIs are empty until CreateApplication succeeds. The build
// file map is replaced wholesale after each successful build.
type Client interface {
	ID() string
	Builder() string
	BuildURI() string
	ConfURI() string
	SrcURI() string
	BuildFileMap() map[string]string

	CreateApplication(ctx context.Context, cfg contracts.AppConfig) (contracts.AppInfo, error)
	Build(ctx context.Context) (contracts.BuildResult, error)
	// Stop releases the worker. Calls after the first are no-ops.
	Stop(ctx context.Context) error
}

// appState is shared by both client implementations.
type appState struct {
	mu      sync.RWMutex
	info    *contracts.AppInfo
	files   atomic.Pointer[map[string]string]
	stopped atomic.Bool
}

func (s *appState) ID() string       { return s.field(func(i *contracts.AppInfo) string { return i.ID }) }
func (s *appState) Builder() string  { return s.field(func(i *contracts.AppInfo) string { return i.Builder }) }
func (s *appState) BuildURI() string { return s.field(func(i *contracts.AppInfo) string { return i.BuildURI }) }
func (s *appState) ConfURI() string  { return s.field(func(i *contracts.AppInfo) string { return i.ConfURI }) }
func (s *appState) SrcURI() string   { return s.field(func(i *contracts.AppInfo) string { return i.SrcURI }) }

func (s *appState) field(get func(*contracts.AppInfo) string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.info == nil {
		return ""
	}
	return get(s.info)
}

// BuildFileMap returns a copy of the current mapping; callers may keep it.
func (s *appState) BuildFileMap() map[string]string {
	p := s.files.Load()
	if p == nil {
		return map[string]string{}
	}
	return maps.Clone(*p)
}

func (s *appState) created() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info != nil
}

func (s *appState) setInfo(info contracts.AppInfo) {
	s.mu.Lock()
	s.info = &info
	s.mu.Unlock()
	empty := map[string]string{}
	s.files.Store(&empty)
}

func (s *appState) replaceFiles(files map[string]string) {
	next := maps.Clone(files)
	if next == nil {
		next = map[string]string{}
	}
	s.files.Store(&next)
}
