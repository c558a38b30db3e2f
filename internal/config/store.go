package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/spotters/internal/observe"
)

// Default save retry policy.
const (
	DefaultSaveAttempts = 10
	DefaultSaveDelay    = 100 * time.Millisecond
)

// FileName is the name of both the user configuration file and the bundled
// default shipped next to the executable.
const FileName = "config.json"

// ErrSaveExhausted is matched by the error [Store.Save] returns once every
// retry attempt failed with a transient I/O error.
var ErrSaveExhausted = errors.New("config: save retries exhausted")

// SaveError reports a save that failed on every attempt. It matches both
// [ErrSaveExhausted] and the last underlying cause via [errors.Is].
type SaveError struct {
	Path     string
	Attempts int
	Delay    time.Duration
	Err      error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("config: can't write %q with %d attempts every %s: %v", e.Path, e.Attempts, e.Delay, e.Err)
}

// Unwrap exposes [ErrSaveExhausted] and the last cause.
func (e *SaveError) Unwrap() []error {
	return []error{ErrSaveExhausted, e.Err}
}

// WriteFunc replaces the contents of path with data.
type WriteFunc func(path string, data []byte) error

// Store loads and persists the [Configuration] file.
//
// Store is safe for concurrent use. Callers that need saves applied in a
// particular order must serialise their own calls.
type Store struct {
	path        string
	defaultPath string
	assetsDir   string
	attempts    int
	delay       time.Duration
	write       WriteFunc
	metrics     *observe.Metrics

	mu        sync.Mutex
	lastSaved [sha256.Size]byte
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithDefaultPath sets the bundled default file copied on first run. An empty
// or missing file seeds an empty configuration instead.
func WithDefaultPath(p string) StoreOption {
	return func(s *Store) { s.defaultPath = p }
}

// WithAssetsDir sets the media asset root used for character discovery
// (one directory per user, one sub-directory per character). Empty disables
// discovery.
func WithAssetsDir(dir string) StoreOption {
	return func(s *Store) { s.assetsDir = dir }
}

// WithRetry overrides the save retry policy. Non-positive values keep the
// defaults.
func WithRetry(attempts int, delay time.Duration) StoreOption {
	return func(s *Store) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if delay > 0 {
			s.delay = delay
		}
	}
}

// WithWriteFunc replaces the file writer. Tests use it to simulate a file
// locked by another process.
func WithWriteFunc(fn WriteFunc) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.write = fn
		}
	}
}

// WithMetrics records save attempts and outcomes on m.
func WithMetrics(m *observe.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a store for the configuration file at path.
func NewStore(path string, opts ...StoreOption) *Store {
	s := &Store{
		path:     path,
		attempts: DefaultSaveAttempts,
		delay:    DefaultSaveDelay,
		write:    writeFileAtomic,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the canonical configuration file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted configuration.
//
// When the file does not exist it is seeded from the bundled default (or an
// empty configuration), written, and returned. When the file holds no
// characters at all, characters are discovered from the asset directory;
// that result is not written back.
func (s *Store) Load(ctx context.Context) (Configuration, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.seed(ctx)
	}
	if err != nil {
		return Configuration{}, fmt.Errorf("config: read %q: %w", s.path, err)
	}
	cfg, err := s.Parse(data)
	if err != nil {
		return Configuration{}, fmt.Errorf("config: parse %q: %w", s.path, err)
	}
	return cfg, nil
}

// Parse decodes data and runs character discovery when it holds no
// characters.
func (s *Store) Parse(data []byte) (Configuration, error) {
	cfg, err := Decode(data)
	if err != nil {
		return Configuration{}, err
	}
	if cfg.CharacterCount() > 0 || s.assetsDir == "" {
		return cfg, nil
	}
	n, err := Discover(&cfg, s.assetsDir)
	if err != nil {
		return Configuration{}, err
	}
	if n > 0 {
		slog.Info("discovered characters from assets", "dir", s.assetsDir, "count", n)
	}
	return cfg, nil
}

// seed writes the first-run configuration.
func (s *Store) seed(ctx context.Context) (Configuration, error) {
	cfg := Default()
	if s.defaultPath != "" {
		data, err := os.ReadFile(s.defaultPath)
		switch {
		case err == nil:
			if cfg, err = Decode(data); err != nil {
				return Configuration{}, fmt.Errorf("config: parse default %q: %w", s.defaultPath, err)
			}
		case errors.Is(err, fs.ErrNotExist):
			slog.Debug("no bundled default configuration", "path", s.defaultPath)
		default:
			return Configuration{}, fmt.Errorf("config: read default %q: %w", s.defaultPath, err)
		}
	}

	if err := s.Save(ctx, cfg); err != nil {
		return Configuration{}, err
	}
	slog.Info("created configuration file", "path", s.path, "users", len(cfg.Users))
	return cfg, nil
}

// Save writes cfg to the canonical path, replacing the previous file.
//
// A write that fails with a transient I/O error is retried with a fixed delay
// until the attempt budget is spent; the resulting error is a [*SaveError]
// carrying the last cause. Each attempt replaces the file atomically, so a
// failed attempt never leaves a truncated file behind.
func (s *Store) Save(ctx context.Context, cfg Configuration) error {
	data, err := Encode(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("config: create directory for %q: %w", s.path, err)
	}

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if s.metrics != nil {
			s.metrics.ConfigSaveAttempts.Add(ctx, 1)
		}
		werr := s.write(s.path, data)
		if werr == nil {
			return struct{}{}, nil
		}
		if !isTransient(werr) {
			return struct{}{}, backoff.Permanent(werr)
		}
		slog.Debug("config write blocked, retrying", "path", s.path, "attempt", attempts, "err", werr)
		return struct{}{}, werr
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.delay)),
		backoff.WithMaxTries(uint(s.attempts)),
	)
	if err != nil {
		s.recordSave(ctx, "error")
		if ctx.Err() != nil || !isTransient(err) {
			return fmt.Errorf("config: save %q: %w", s.path, err)
		}
		return &SaveError{Path: s.path, Attempts: attempts, Delay: s.delay, Err: err}
	}

	s.mu.Lock()
	s.lastSaved = sha256.Sum256(data)
	s.mu.Unlock()
	s.recordSave(ctx, "ok")
	return nil
}

// LastSavedHash returns the SHA-256 of the bytes most recently written by
// [Store.Save]. [Watcher] uses it to ignore the store's own writes.
func (s *Store) LastSavedHash() [sha256.Size]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

func (s *Store) recordSave(ctx context.Context, status string) {
	if s.metrics != nil {
		s.metrics.RecordConfigSave(ctx, status)
	}
}

// Encode serialises cfg as indented JSON with a trailing newline.
func Encode(cfg Configuration) ([]byte, error) {
	data, err := json.MarshalIndent(cfg.Clone(), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Decode parses a configuration file. A missing port defaults to
// [DefaultPort]; a JSON null yields [Default].
func Decode(data []byte) (Configuration, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return Configuration{}, errors.New("config: empty file")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("config: decode json: %w", err)
	}
	return cfg.Clone(), nil
}

// isTransient reports whether a write error may succeed on a later attempt.
// Sharing violations surface as permission errors on some platforms, so only
// errors that cannot change between attempts are treated as permanent.
func isTransient(err error) bool {
	return !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrInvalid)
}

// writeFileAtomic writes data to a temporary file next to path and renames it
// into place.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
