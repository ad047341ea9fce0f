package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Nitorac/esbonio/internal/config"
	"github.com/Nitorac/esbonio/internal/contracts"
	"github.com/Nitorac/esbonio/internal/manager"
	"github.com/Nitorac/esbonio/internal/metrics"
	"github.com/Nitorac/esbonio/internal/preview"
	"github.com/Nitorac/esbonio/internal/project"
	"github.com/Nitorac/esbonio/internal/worker"
)

// LivePreview is a coordinator between project builds and preview delivery.
type LivePreview struct {
	logger   *slog.Logger
	resolver *project.Resolver
	manager  *manager.Manager
	preview  *preview.Coordinator
	metrics  *metrics.Collector

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLivePreview wires the manager, preview coordinator and metrics. The
// factory decides whether builds run in worker processes or in memory.
func NewLivePreview(cfg config.Config, factory worker.Factory, logger *slog.Logger) *LivePreview {
	resolver := project.NewResolver(logger)
	mgr := manager.New(resolver, factory, logger)
	coordinator := preview.NewCoordinator(mgr, resolver, cfg.Preview, logger)
	collector := metrics.NewCollector()

	mgr.AddBuildListener(coordinator)
	mgr.AddBuildListener(collector)

	return &LivePreview{
		logger:   logger.With("component", "app"),
		resolver: resolver,
		manager:  mgr,
		preview:  coordinator,
		metrics:  collector,
	}
}

// Start applies the current configuration, which activates the preview,
// and follows later changes from source. It also serves metrics when
// configured.
func (s *LivePreview) Start(ctx context.Context, source *config.Source) error {
	cfg := source.Current()
	if err := s.preview.UpdateConfiguration(ctx, cfg.Preview); err != nil {
		return err
	}

	source.Subscribe(func(next config.Config) {
		if err := s.preview.UpdateConfiguration(context.Background(), next.Preview); err != nil {
			s.logger.Error("unable to apply preview configuration", "error", err)
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := source.Watch(ctx); err != nil {
			s.logger.Warn("config watch stopped", "error", err)
		}
	}()

	if cfg.Metrics.Addr != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metrics.Serve(ctx, cfg.Metrics.Addr, s.logger); err != nil {
				s.logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}
	return nil
}

func (s *LivePreview) PreviewFile(ctx context.Context, uri string) (string, bool, error) {
	return s.preview.PreviewFile(ctx, uri)
}

func (s *LivePreview) Scroll(line int) {
	s.preview.Scroll(line)
}

func (s *LivePreview) Build(ctx context.Context, uri string) (contracts.BuildResult, error) {
	return s.manager.TriggerBuild(ctx, uri)
}

// CloseProject stops the worker of the project owning uri and forgets the
// project so its esbonio.toml is re-read next time.
func (s *LivePreview) CloseProject(ctx context.Context, uri string) error {
	p, err := s.resolver.Resolve(uri)
	if err := s.manager.CloseProject(ctx, uri); err != nil {
		return err
	}
	if err == nil {
		s.resolver.Forget(p.Identity)
	}
	return nil
}

func (s *LivePreview) AddBuildListener(h manager.BuildHandler) {
	s.manager.AddBuildListener(h)
}

// SetGoToLineHandler forwards viewer go-to-line requests to fn.
func (s *LivePreview) SetGoToLineHandler(fn func(contracts.GoToLineMessage)) {
	s.preview.SetGoToLineHandler(fn)
}

// Shutdown stops the preview listeners and every worker.
func (s *LivePreview) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	err := errors.Join(s.preview.Shutdown(ctx), s.manager.Shutdown(ctx))
	s.wg.Wait()
	return err
}
