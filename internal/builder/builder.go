// Package builder is the build engine run inside the worker process. It
// renders every markdown file under a source tree into an HTML tree and
// copies everything else verbatim.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/Nitorac/esbonio/internal/render"
	"github.com/Nitorac/esbonio/internal/uri"
	"golang.org/x/sync/errgroup"
)

const (
	HTML    = "html"
	DirHTML = "dirhtml"
)

var ErrUnknownBuilder = errors.New("unknown builder")

// Options locate one build.
type Options struct {
	Builder string
	SrcDir  string
	OutDir  string
}

// Validate checks that the build can run at all.
func (o Options) Validate() error {
	switch o.Builder {
	case HTML, DirHTML:
	default:
		return fmt.Errorf("%w %q", ErrUnknownBuilder, o.Builder)
	}
	info, err := os.Stat(o.SrcDir)
	if err != nil {
		return fmt.Errorf("source dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source dir %s: not a directory", o.SrcDir)
	}
	if o.OutDir == "" {
		return errors.New("build dir: must be set")
	}
	return nil
}

// Result summarises a build. FileMap keys are canonical source URIs.
type Result struct {
	Documents int
	Warnings  []string
	FileMap   map[string]string
}

type Builder struct {
	renderer *render.Renderer
	workers  int
}

func New(renderer *render.Renderer) *Builder {
	return &Builder{renderer: renderer, workers: runtime.GOMAXPROCS(0)}
}

func isMarkdown(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// OutputPath returns the build-relative output path for a source-relative
// markdown path.
func OutputPath(builder, rel string) string {
	stem := strings.TrimSuffix(rel, filepath.Ext(rel))
	if builder == DirHTML && filepath.Base(stem) != "index" {
		return filepath.ToSlash(filepath.Join(stem, "index.html"))
	}
	return filepath.ToSlash(stem + ".html")
}

// Build renders the whole source tree. Files that fail to render are
// reported as warnings; only problems with the trees themselves fail the
// build.
func (b *Builder) Build(ctx context.Context, opts Options) (Result, error) {
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}

	srcDir, err := filepath.Abs(opts.SrcDir)
	if err != nil {
		return Result{}, err
	}
	outDir, err := filepath.Abs(opts.OutDir)
	if err != nil {
		return Result{}, err
	}
	// File map keys must match uri.Canonical, which resolves symlinks.
	if resolved, err := filepath.EvalSymlinks(srcDir); err == nil {
		if rel, err := filepath.Rel(srcDir, outDir); err == nil && !strings.HasPrefix(rel, "..") {
			outDir = filepath.Join(resolved, rel)
		}
		srcDir = resolved
	}

	var sources []string
	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == outDir || (path != srcDir && strings.HasPrefix(d.Name(), ".")) || d.Name() == "_build" {
				return filepath.SkipDir
			}
			return nil
		}
		sources = append(sources, path)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("scan sources: %w", err)
	}
	sort.Strings(sources)

	var (
		mu       sync.Mutex
		result   = Result{FileMap: make(map[string]string)}
		warnings []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, src := range sources {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(srcDir, src)
			if err != nil {
				return err
			}

			if !isMarkdown(src) {
				if err := copyFile(src, filepath.Join(outDir, rel)); err != nil {
					mu.Lock()
					warnings = append(warnings, fmt.Sprintf("%s: %v", rel, err))
					mu.Unlock()
				}
				return nil
			}

			out := OutputPath(opts.Builder, rel)
			if err := b.renderFile(src, filepath.Join(outDir, filepath.FromSlash(out)), rel); err != nil {
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("%s: %v", rel, err))
				mu.Unlock()
				return nil
			}

			linkPath := out
			if opts.Builder == DirHTML && out != "index.html" {
				linkPath = strings.TrimSuffix(out, "index.html")
			}
			mu.Lock()
			result.FileMap[uri.FromPath(src)] = linkPath
			result.Documents++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	sort.Strings(warnings)
	result.Warnings = warnings
	return result, nil
}

func (b *Builder) renderFile(src, dst, rel string) error {
	source, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	doc, err := b.renderer.RenderPage(source, strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel)))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(doc.HTML), 0o644)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
