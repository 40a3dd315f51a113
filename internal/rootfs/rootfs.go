// Package rootfs provides file access confined to one watched root.
package rootfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Root reads and writes files addressed by root-relative, forward-slash
// paths. Paths that resolve outside the root are refused. Paths are
// compared in Unicode NFC, so a path names an existing file even when the
// file was created with a decomposed name.
type Root struct {
	dir string
}

// New creates a Root for dir. The directory is resolved to an absolute path
// so traversal checks compare like with like.
func New(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", dir, err)
	}

	return &Root{dir: filepath.Clean(abs)}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string {
	return r.dir
}

// ReadFile reads a file by relative path.
func (r *Root) ReadFile(relPath string) ([]byte, error) {
	absPath, err := r.Resolve(relPath)
	if err != nil {
		return nil, err
	}

	return os.ReadFile(absPath)
}

// WriteFile overwrites a file by relative path, creating parent directories
// as needed.
func (r *Root) WriteFile(relPath string, data []byte) error {
	absPath, err := r.Resolve(relPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	if err := os.WriteFile(absPath, data, filePerm); err != nil {
		return fmt.Errorf("writing %s: %w", relPath, err)
	}

	return nil
}

// Resolve converts a relative path to an absolute path within the root,
// rejecting absolute paths and traversal attempts. Components that do not
// exist verbatim are matched against existing entries by their NFC form.
func (r *Root) Resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}

	if filepath.IsAbs(relPath) || strings.HasPrefix(relPath, "/") {
		return "", fmt.Errorf("absolute path %q not allowed", relPath)
	}

	absPath := filepath.Join(r.dir, filepath.FromSlash(relPath))
	if !strings.HasPrefix(absPath, r.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside %s", relPath, r.dir)
	}

	if _, err := os.Lstat(absPath); err == nil {
		return absPath, nil
	}

	return r.matchNormalized(absPath), nil
}

// matchNormalized walks absPath below the root one component at a time.
// A component missing on disk is replaced by a sibling with the same NFC
// form, if there is one. The first component with no match ends the walk
// and the rest of the path is kept as given.
func (r *Root) matchNormalized(absPath string) string {
	rel, err := filepath.Rel(r.dir, absPath)
	if err != nil {
		return absPath
	}

	dir := r.dir
	segs := strings.Split(rel, string(os.PathSeparator))

	for i, seg := range segs {
		next := filepath.Join(dir, seg)
		if _, err := os.Lstat(next); err == nil {
			dir = next
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return filepath.Join(append([]string{dir}, segs[i:]...)...)
		}

		want := norm.NFC.String(seg)
		found := ""

		for _, e := range entries {
			if norm.NFC.String(e.Name()) == want {
				found = e.Name()
				break
			}
		}

		if found == "" {
			return filepath.Join(append([]string{dir}, segs[i:]...)...)
		}

		dir = filepath.Join(dir, found)
	}

	return dir
}
