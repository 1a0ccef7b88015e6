// Package directory wraps an absolute directory path as an immutable value.
package directory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Directory is an absolute, cleaned directory path.
// The zero value is not usable; construct with New.
type Directory struct {
	path string
}

// New returns a Directory for path, resolved to an absolute path.
func New(path string) (Directory, error) {
	if strings.TrimSpace(path) == "" {
		return Directory{}, fmt.Errorf("empty directory path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Directory{}, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return Directory{path: abs}, nil
}

// Path returns the absolute path.
func (d Directory) Path() string {
	return d.path
}

// String implements fmt.Stringer.
func (d Directory) String() string {
	return d.path
}

// Join returns the absolute path of name inside d.
func (d Directory) Join(name string) string {
	return filepath.Join(d.path, name)
}

// Exists reports whether d exists and is a directory.
func (d Directory) Exists() bool {
	info, err := os.Stat(d.path)
	return err == nil && info.IsDir()
}

// Ensure creates d (and any missing parents) if it does not exist.
func (d Directory) Ensure() error {
	if err := os.MkdirAll(d.path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", d.path, err)
	}
	return nil
}

// Canonical returns d with every symbolic link resolved.
// d must exist.
func (d Directory) Canonical() (string, error) {
	resolved, err := filepath.EvalSymlinks(d.path)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize %s: %w", d.path, err)
	}
	return resolved, nil
}

// Equal reports whether d and other name the same canonical directory.
// Components that do not exist yet are compared lexically.
func (d Directory) Equal(other Directory) bool {
	return d.canonicalOrPath() == other.canonicalOrPath()
}

// IsSubdirectoryOf reports whether d is parent or lies below it.
// Comparison is component-wise over canonical paths, so "/a/bc" is not
// inside "/a/b". A directory counts as a subdirectory of itself.
func (d Directory) IsSubdirectoryOf(parent Directory) bool {
	child := splitComponents(d.canonicalOrPath())
	base := splitComponents(parent.canonicalOrPath())

	if len(base) > len(child) {
		return false
	}
	for i := range base {
		if base[i] != child[i] {
			return false
		}
	}
	return true
}

// canonicalOrPath resolves the deepest existing ancestor of d and re-appends
// the missing tail, so a not-yet-created target still compares correctly
// against a canonical source.
func (d Directory) canonicalOrPath() string {
	existing, tail := d.path, ""
	for {
		if resolved, err := filepath.EvalSymlinks(existing); err == nil {
			return filepath.Join(resolved, tail)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return d.path
		}
		tail = filepath.Join(filepath.Base(existing), tail)
		existing = parent
	}
}

func splitComponents(path string) []string {
	var parts []string
	for _, part := range strings.Split(filepath.Clean(path), string(filepath.Separator)) {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
