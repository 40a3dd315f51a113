// Package fingerprint computes and caches content hashes of watched roots.
package fingerprint

import (
	"crypto/md5" //nolint:gosec // G501: MD5 is the content fingerprint of the wire protocol, not a security boundary
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/alexjbarnes/dirsync/internal/models"
	"golang.org/x/text/unicode/norm"
)

// hashBufferSize is the chunk size used when streaming files through the
// hash.
const hashBufferSize = 1024 * 1024

// Stats reports how a CrawlAndHash pass obtained its hashes.
type Stats struct {
	Computed int
	Reused   int
}

// Crawler lists and fingerprints the regular files under one root.
type Crawler struct {
	root     string
	excludes []*regexp.Regexp
	logger   *slog.Logger
}

// CompileExcludes compiles exclusion patterns. Each pattern is anchored at
// the start of the relative path, so "tmp/" excludes everything under a
// top-level tmp directory while ".*\.swp$" excludes swap files anywhere.
func CompileExcludes(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))

	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)`)
		if err != nil {
			return nil, fmt.Errorf("compiling exclude pattern %q: %w", p, err)
		}

		out = append(out, re)
	}

	return out, nil
}

// NewCrawler creates a crawler for root, which must be an existing
// directory. The root is resolved to an absolute path.
func NewCrawler(root string, excludes []*regexp.Regexp, logger *slog.Logger) (*Crawler, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", root, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("root %s => %s must exist: %w", root, abs, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("root %s => %s is not a directory", root, abs)
	}

	return &Crawler{
		root:     abs,
		excludes: excludes,
		logger:   logger.With(slog.String("root", abs)),
	}, nil
}

// Root returns the absolute root directory.
func (c *Crawler) Root() string {
	return c.root
}

// Crawl returns the relative paths of all regular files under the root,
// in lexical walk order, skipping excluded paths. Paths are NFC normalized.
func (c *Crawler) Crawl() ([]string, error) {
	var paths []string

	err := c.walk(func(relPath, _ string, _ fs.FileInfo) {
		paths = append(paths, relPath)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("crawl complete", slog.Int("files", len(paths)))

	return paths, nil
}

// CrawlAndHash builds a fresh snapshot of the root. A record from prev is
// reused verbatim when its modification time is not older than the file's
// current one; otherwise the content is hashed again. prev is never
// modified and may be nil.
func (c *Crawler) CrawlAndHash(prev *models.Snapshot) (*models.Snapshot, Stats, error) {
	snap := models.NewSnapshot()

	var stats Stats

	err := c.walk(func(relPath, absPath string, info fs.FileInfo) {
		mtime := modTime(info)

		if old, ok := prev.Get(relPath); ok && old.ModTime >= mtime {
			snap.Add(old)
			stats.Reused++

			return
		}

		hash, err := HashFile(absPath)
		if err != nil {
			// Usually removed between the walk and the read. The next pass
			// settles it.
			c.logger.Warn("hashing file", slog.String("path", relPath), slog.String("error", err.Error()))
			return
		}

		snap.Add(models.FileRecord{Path: relPath, ModTime: mtime, Hash: hash})
		stats.Computed++
	})
	if err != nil {
		return nil, stats, err
	}

	c.logger.Debug("root hashed",
		slog.Int("computed", stats.Computed),
		slog.Int("reused", stats.Reused),
	)

	return snap, stats, nil
}

// walk visits every regular, non-excluded file below the root. relPath is
// the NFC form of the slash-separated relative path; absPath is the name on
// disk.
func (c *Crawler) walk(fn func(relPath, absPath string, info fs.FileInfo)) error {
	err := filepath.WalkDir(c.root, func(absPath string, d fs.DirEntry, err error) error {
		if err != nil {
			if absPath == c.root {
				return err
			}

			c.logger.Warn("skipping unreadable path", slog.String("path", absPath), slog.String("error", err.Error()))

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		// Symlinks are skipped so a link cannot pull files from outside
		// the root into the snapshot.
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(c.root, absPath)
		if err != nil {
			return err
		}

		rel = norm.NFC.String(filepath.ToSlash(rel))

		if c.excluded(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			c.logger.Warn("stat failed during crawl", slog.String("path", rel), slog.String("error", err.Error()))
			return nil
		}

		fn(rel, absPath, info)

		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", c.root, err)
	}

	return nil
}

func (c *Crawler) excluded(relPath string) bool {
	for _, re := range c.excludes {
		if re.MatchString(relPath) {
			return true
		}
	}

	return false
}

// HashFile returns the hex MD5 of a file's content, streamed in 1 MiB
// chunks.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New() //nolint:gosec // see import
	buf := make([]byte, hashBufferSize)

	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// modTime returns the modification time as fractional seconds since the
// epoch.
func modTime(info fs.FileInfo) float64 {
	return float64(info.ModTime().UnixNano()) / 1e9
}
