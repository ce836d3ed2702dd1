package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore serves scripts from the local filesystem, confined to a set of
// allowed root directories.
type LocalStore struct {
	roots []string
}

// NewLocalStore creates a store over the given roots. Roots that cannot be
// resolved are dropped.
func NewLocalStore(roots []string) *LocalStore {
	var resolved []string
	for _, r := range roots {
		if r == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		if evaluated, err := filepath.EvalSymlinks(abs); err == nil {
			abs = evaluated
		}
		resolved = append(resolved, abs)
	}
	return &LocalStore{roots: resolved}
}

// Roots returns the resolved allowed roots.
func (s *LocalStore) Roots() []string { return s.roots }

// Open implements Store. Relative names resolve against the first root.
func (s *LocalStore) Open(_ context.Context, name string) (io.ReadCloser, int64, string, error) {
	path, err := s.safePath(name)
	if err != nil {
		return nil, 0, "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, "", &Error{Reason: ReasonNotFound, Path: name, Err: err}
		}
		return nil, 0, "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, 0, "", &Error{Reason: ReasonNotFound, Path: name, Err: fmt.Errorf("%s is a directory", path)}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, "", fmt.Errorf("opening %s: %w", path, err)
	}
	return f, info.Size(), path, nil
}

// safePath resolves name to an absolute, symlink-free path and checks it
// against the allowed roots. "/srv/scripts" matches "/srv/scripts/a.py"
// but not "/srv/scriptsevil".
func (s *LocalStore) safePath(name string) (string, error) {
	if name == "" {
		return "", &Error{Reason: ReasonNotFound, Err: errors.New("path must not be empty")}
	}
	if len(s.roots) == 0 {
		return "", &Error{Reason: ReasonForbidden, Path: name}
	}

	abs := name
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.roots[0], abs)
	}
	abs = filepath.Clean(abs)

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolving %s: %w", abs, err)
		}
		// A missing file is only reported as such inside the roots.
		if !s.within(abs) {
			return "", &Error{Reason: ReasonForbidden, Path: name}
		}
		return "", &Error{Reason: ReasonNotFound, Path: name, Err: err}
	}

	if !s.within(resolved) {
		return "", &Error{Reason: ReasonForbidden, Path: name}
	}
	return resolved, nil
}

func (s *LocalStore) within(path string) bool {
	for _, root := range s.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
