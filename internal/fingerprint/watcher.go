package fingerprint

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
)

// watch forwards filesystem change notifications for all roots to changes
// without blocking. It returns when ctx is cancelled or the watcher fails.
func (m *Monitor) watch(ctx context.Context, changes chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	for _, c := range m.crawlers {
		if err := addRecursive(watcher, c.Root()); err != nil {
			return fmt.Errorf("watching %s: %w", c.Root(), err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if !m.relevant(watcher, event) {
				continue
			}

			select {
			case changes <- struct{}{}:
			default:
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			// Non-fatal (e.g. queue overflow). The periodic refresh
			// still picks the change up.
			m.logger.Debug("fsnotify error", slog.String("error", err.Error()))
		}
	}
}

// relevant reports whether an event should trigger a refresh. New
// directories are added to the watch as a side effect.
func (m *Monitor) relevant(watcher *fsnotify.Watcher, event fsnotify.Event) bool {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			_ = addRecursive(watcher, event.Name)
			return true
		}
	}

	for _, c := range m.crawlers {
		rel, err := filepath.Rel(c.Root(), event.Name)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}

		return !c.excluded(norm.NFC.String(filepath.ToSlash(rel)))
	}

	return false
}

// addRecursive adds dir and every directory below it to the watcher.
func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		return watcher.Add(path)
	})
}
