package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when an identifier does not name an existing
// directory inside the storage root.
var ErrNotFound = errors.New("archive directory not found")

// Resolver resolves archive identifiers against a fixed storage root
type Resolver struct {
	root string
}

// NewResolver creates a resolver rooted at dir. The root must exist and be a
// directory at creation time.
func NewResolver(dir string) (*Resolver, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root %s: %w", dir, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat storage root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage root %s is not a directory", abs)
	}

	return &Resolver{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute storage root
func (r *Resolver) Root() string {
	return r.root
}

// Resolve returns the directory named by id. It fails with ErrNotFound when id
// is not a single plain path element, when the joined path escapes the root,
// or when the target is missing or not a directory.
func (r *Resolver) Resolve(id string) (string, error) {
	if !validIdentifier(id) {
		return "", fmt.Errorf("%w: invalid identifier %q", ErrNotFound, id)
	}

	candidate := filepath.Join(r.root, id)
	if !within(r.root, candidate) {
		return "", fmt.Errorf("%w: %q escapes storage root", ErrNotFound, id)
	}

	info, err := os.Stat(candidate)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return "", fmt.Errorf("failed to stat %s: %w", candidate, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %q is not a directory", ErrNotFound, id)
	}

	// A symlinked identifier may point anywhere; compare canonical forms.
	canonicalRoot, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate storage root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if !within(canonicalRoot, canonical) {
		return "", fmt.Errorf("%w: %q links outside storage root", ErrNotFound, id)
	}

	return candidate, nil
}

func validIdentifier(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, `/\`+"\x00") {
		return false
	}
	return !filepath.IsAbs(id)
}

// within reports whether path lies strictly below root
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return rel != "."
}
