package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/spotters/internal/observe"
)

// DefaultWatchInterval is how often a [Watcher] polls the configuration file.
const DefaultWatchInterval = 2 * time.Second

// Watcher monitors the configuration file for edits made by other writers
// (such as the settings editor) and hands each new valid configuration to a
// callback. It uses polling (not fsnotify) to keep dependencies minimal.
type Watcher struct {
	store    *Store
	interval time.Duration
	onChange func(Configuration)
	metrics  *observe.Metrics
	writers  sync.Locker

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLock makes the watcher hold l from reading the file until onChange
// returns. Writers that apply and save under the same lock can then never
// interleave with a reload.
func WithLock(l sync.Locker) WatcherOption {
	return func(w *Watcher) { w.writers = l }
}

// WithWatcherMetrics counts reloads on m.
func WithWatcherMetrics(m *observe.Metrics) WatcherOption {
	return func(w *Watcher) { w.metrics = m }
}

// NewWatcher creates a watcher for store's file. It records the current file
// state immediately so that only later edits trigger onChange; call
// [Watcher.Run] to start polling.
func NewWatcher(store *Store, onChange func(Configuration), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		store:    store,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial read: %w", err)
	}
	w.lastHash = sha256.Sum256(data)
	w.lastMtime = mtime
	return w, nil
}

// Run polls until ctx is cancelled or [Watcher.Stop] is called. It always
// returns nil so it can run inside an errgroup next to fallible services.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// check reads the configuration file and, if it changed and parses, calls
// onChange.
func (w *Watcher) check(ctx context.Context) {
	// Quick mtime check first to avoid hashing unchanged files.
	info, err := os.Stat(w.store.Path())
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.store.Path(), "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	if w.writers != nil {
		w.writers.Lock()
		defer w.writers.Unlock()
	}

	data, newMtime, err := w.read()
	if err != nil {
		slog.Warn("config watcher: failed to read config", "path", w.store.Path(), "err", err)
		return
	}
	hash := sha256.Sum256(data)

	w.mu.Lock()
	unchanged := hash == w.lastHash
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	// Touched without edits, or written by the store itself.
	if unchanged || hash == w.store.LastSavedHash() {
		return
	}

	cfg, err := w.store.Parse(data)
	if err != nil {
		// Keep the live configuration; a half-written edit is retried on the
		// next change.
		slog.Warn("config watcher: ignoring invalid config", "path", w.store.Path(), "err", err)
		w.mu.Lock()
		w.lastHash = [sha256.Size]byte{}
		w.mu.Unlock()
		return
	}

	slog.Info("config watcher: configuration reloaded", "path", w.store.Path())
	if w.metrics != nil {
		w.metrics.ConfigReloads.Add(ctx, 1)
	}

	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// read returns the file contents and modification time.
func (w *Watcher) read() ([]byte, time.Time, error) {
	f, err := os.Open(w.store.Path())
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}
