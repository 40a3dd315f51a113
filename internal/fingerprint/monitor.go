package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/dirsync/internal/models"
)

const (
	// DefaultRefreshInterval is how often every root is crawled again.
	DefaultRefreshInterval = 5 * time.Second

	// DefaultChangeDebounce delays a refresh triggered by filesystem
	// notifications so a burst of writes costs one crawl.
	DefaultChangeDebounce = 500 * time.Millisecond
)

// SnapshotStore persists snapshots between runs. *state.State satisfies it.
type SnapshotStore interface {
	LoadSnapshot(index int, root string) (*models.Snapshot, error)
	SaveSnapshot(index int, root string, snap *models.Snapshot) error
}

// MonitorConfig holds the parameters for a Monitor.
type MonitorConfig struct {
	Roots    []string
	Excludes []*regexp.Regexp

	// Store is optional. When set, stored snapshots seed the hash cache at
	// startup and every changed snapshot is written back.
	Store SnapshotStore

	Interval time.Duration
	Debounce time.Duration

	// DisableWatch turns off filesystem notifications, leaving only the
	// periodic refresh.
	DisableWatch bool
}

// Monitor keeps an up-to-date snapshot list for a fixed set of roots.
//
// There is a single writer: Refresh, serialized by refreshMu. It publishes
// a new immutable list through an atomic pointer, so readers calling
// Snapshots always see a complete list and never a partially updated one.
type Monitor struct {
	crawlers []*Crawler
	store    SnapshotStore
	logger   *slog.Logger

	interval     time.Duration
	debounce     time.Duration
	disableWatch bool

	current   atomic.Pointer[models.Snapshots]
	refreshMu sync.Mutex
}

// NewMonitor creates a Monitor and performs the initial crawl of every
// root, so Snapshots is meaningful as soon as it returns.
func NewMonitor(cfg MonitorConfig, logger *slog.Logger) (*Monitor, error) {
	logger = logger.With(slog.String("component", "monitor"))

	m := &Monitor{
		store:        cfg.Store,
		logger:       logger,
		interval:     cfg.Interval,
		debounce:     cfg.Debounce,
		disableWatch: cfg.DisableWatch,
	}

	if m.interval <= 0 {
		m.interval = DefaultRefreshInterval
	}

	if m.debounce <= 0 {
		m.debounce = DefaultChangeDebounce
	}

	for _, root := range cfg.Roots {
		c, err := NewCrawler(root, cfg.Excludes, logger)
		if err != nil {
			return nil, err
		}

		m.crawlers = append(m.crawlers, c)
	}

	initial := make(models.Snapshots, len(m.crawlers))

	if m.store != nil {
		for i, c := range m.crawlers {
			snap, err := m.store.LoadSnapshot(i, c.Root())
			if err != nil {
				logger.Warn("loading stored snapshot",
					slog.String("root", c.Root()),
					slog.String("error", err.Error()),
				)

				continue
			}

			if snap != nil {
				logger.Debug("seeded hash cache from state",
					slog.String("root", c.Root()),
					slog.Int("files", snap.Len()),
				)
			}

			initial[i] = snap
		}
	}

	m.current.Store(&initial)

	if err := m.Refresh(); err != nil {
		return nil, fmt.Errorf("initial crawl: %w", err)
	}

	return m, nil
}

// Roots returns the absolute root directories in configuration order.
func (m *Monitor) Roots() []string {
	roots := make([]string, len(m.crawlers))
	for i, c := range m.crawlers {
		roots[i] = c.Root()
	}

	return roots
}

// Snapshots returns the most recently published snapshot list. The list
// and its snapshots must be treated as read-only.
func (m *Monitor) Snapshots() models.Snapshots {
	return *m.current.Load()
}

// Refresh crawls every root, reusing hashes from the current list, and
// publishes the result. A root that fails to crawl keeps its previous
// snapshot and the error is returned after the new list is published.
func (m *Monitor) Refresh() error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	prev := m.Snapshots()
	next := make(models.Snapshots, len(m.crawlers))

	var (
		errs  []error
		total Stats
	)

	for i, c := range m.crawlers {
		snap, stats, err := c.CrawlAndHash(prev[i])
		if err != nil {
			errs = append(errs, err)
			next[i] = prev[i]

			continue
		}

		next[i] = snap
		total.Computed += stats.Computed
		total.Reused += stats.Reused

		if m.store != nil && (stats.Computed > 0 || snap.Len() != prev[i].Len()) {
			if err := m.store.SaveSnapshot(i, c.Root(), snap); err != nil {
				m.logger.Warn("saving snapshot",
					slog.String("root", c.Root()),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	m.current.Store(&next)

	m.logger.Info("finished computing md5s",
		slog.Int("computed", total.Computed),
		slog.Int("reused", total.Reused),
		slog.Int("files", next.TotalFiles()),
	)

	return errors.Join(errs...)
}

// Run refreshes the snapshots every interval, and shortly after filesystem
// changes, until ctx is cancelled. Cancellation is observed between
// refreshes; a crawl in progress runs to completion.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitoring", slog.Int("roots", len(m.crawlers)), slog.Duration("interval", m.interval))

	changes := make(chan struct{}, 1)

	if !m.disableWatch {
		go func() {
			if err := m.watch(ctx, changes); err != nil && ctx.Err() == nil {
				m.logger.Warn("filesystem notifications unavailable, relying on periodic refresh",
					slog.String("error", err.Error()))
			}
		}()
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitoring stopped")
			return ctx.Err()

		case <-changes:
			if debounce == nil {
				debounce = time.After(m.debounce)
			}

		case <-debounce:
			debounce = nil
			m.refreshAndLog()
			ticker.Reset(m.interval)

		case <-ticker.C:
			m.refreshAndLog()
		}
	}
}

func (m *Monitor) refreshAndLog() {
	if err := m.Refresh(); err != nil {
		m.logger.Warn("refresh failed", slog.String("error", err.Error()))
	}
}
