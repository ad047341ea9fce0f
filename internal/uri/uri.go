// Package uri converts between filesystem paths and the file URIs used as
// project and document identities.
package uri

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

var ErrNotFile = errors.New("not a file uri")

// FromPath returns the canonical file URI for path.
func FromPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Clean(abs))}
	return u.String()
}

// ToPath returns the filesystem path for a file URI. Bare paths are accepted
// and returned cleaned.
func ToPath(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		return filepath.Clean(raw), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%q: %w", raw, ErrNotFile)
	}
	return filepath.Clean(filepath.FromSlash(u.Path)), nil
}

// Canonical normalises raw (a file URI or path) into its canonical URI form.
// Symlinks are resolved when the target exists.
func Canonical(raw string) (string, error) {
	p, err := ToPath(raw)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return FromPath(p), nil
}
