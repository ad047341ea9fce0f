// Package project maps source files onto the documentation project that
// owns them.
package project

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Nitorac/esbonio/internal/contracts"
	"github.com/Nitorac/esbonio/internal/uri"
	toml "github.com/pelletier/go-toml/v2"
)

// FileName marks a project root.
const FileName = "esbonio.toml"

// ErrNoProject is returned when no project owns a file.
var ErrNoProject = errors.New("no project found")

// File is the decoded esbonio.toml.
type File struct {
	Builder  string `toml:"builder"`
	SrcDir   string `toml:"src_dir"`
	BuildDir string `toml:"build_dir"`
}

// Project is one documentation source tree.
type Project struct {
	// Identity is the canonical URI of the project root.
	Identity string
	Root     string
	App      contracts.AppConfig
}

// FileMapper exposes a worker's source -> build path mapping.
type FileMapper interface {
	BuildFileMap() map[string]string
}

// BuildPath returns the build-relative path holding the output for src, or
// false when src is not part of the build output.
func (p *Project) BuildPath(m FileMapper, src string) (string, bool) {
	if m == nil {
		return "", false
	}
	files := m.BuildFileMap()
	if path, ok := files[src]; ok && path != "" {
		return path, true
	}
	key, err := uri.Canonical(src)
	if err != nil {
		return "", false
	}
	path, ok := files[key]
	if !ok || path == "" {
		return "", false
	}
	return path, true
}

// Resolver finds projects by walking up from a file to the nearest
// esbonio.toml. Results are cached per root.
type Resolver struct {
	logger *slog.Logger

	mu       sync.Mutex
	projects map[string]*Project
}

func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{
		logger:   logger.With("component", "project"),
		projects: make(map[string]*Project),
	}
}

// Resolve returns the project owning the file or directory named by raw (a
// file URI or path).
func (r *Resolver) Resolve(raw string) (*Project, error) {
	canonical, err := uri.Canonical(raw)
	if err != nil {
		return nil, err
	}
	path, err := uri.ToPath(canonical)
	if err != nil {
		return nil, err
	}

	root, ok := findRoot(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", raw, ErrNoProject)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.projects[root]; ok {
		return p, nil
	}

	p, err := Load(root)
	if err != nil {
		return nil, err
	}
	r.projects[root] = p
	r.logger.Debug("project loaded", "root", root, "builder", p.App.Builder)
	return p, nil
}

// Forget drops the cached project for root so the next Resolve re-reads
// its esbonio.toml.
func (r *Resolver) Forget(identity string) {
	path, err := uri.ToPath(identity)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.projects, path)
	r.mu.Unlock()
}

func findRoot(path string) (string, bool) {
	dir := path
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		dir = filepath.Dir(path)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// Load reads the project rooted at root.
func Load(root string) (*Project, error) {
	data, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}

	f := File{Builder: "html", SrcDir: ".", BuildDir: filepath.Join("_build", "html")}
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(root, FileName), err)
	}

	return &Project{
		Identity: uri.FromPath(root),
		Root:     root,
		App: contracts.AppConfig{
			Builder:  f.Builder,
			ConfDir:  root,
			SrcDir:   absUnder(root, f.SrcDir),
			BuildDir: absUnder(root, f.BuildDir),
		},
	}, nil
}

func absUnder(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}
