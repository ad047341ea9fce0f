package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Source publishes configuration changes to subscribers. Subscribers are
// called in registration order, only when the decoded configuration differs
// from the last one published.
type Source struct {
	v      *viper.Viper
	logger *slog.Logger

	mu      sync.Mutex
	current *Config
	subs    []func(Config)
}

// NewSource loads the initial configuration from v.
func NewSource(v *viper.Viper, logger *slog.Logger) (*Source, error) {
	cfg, err := Load(v)
	if err != nil {
		return nil, err
	}
	return &Source{
		v:       v,
		logger:  logger.With("component", "config"),
		current: cfg,
	}, nil
}

// Current returns a copy of the most recently loaded configuration.
func (s *Source) Current() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.current
}

// Subscribe registers fn to receive future configuration changes.
func (s *Source) Subscribe(fn func(Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Reload re-reads the configuration and notifies subscribers if it changed.
func (s *Source) Reload() error {
	cfg, err := Load(s.v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if reflect.DeepEqual(*s.current, *cfg) {
		s.mu.Unlock()
		return nil
	}
	s.current = cfg
	subs := append([]func(Config){}, s.subs...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(*cfg)
	}
	return nil
}

// Watch reloads the configuration whenever the config file is written,
// until ctx is done. It returns immediately with nil when no config file is
// in use.
func (s *Source) Watch(ctx context.Context) error {
	file := s.v.ConfigFileUsed()
	if file == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	dir := filepath.Dir(file)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(file)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("reload failed", "file", file, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watch error", "error", err)
		}
	}
}
