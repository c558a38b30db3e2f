package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/spotters/internal/config"
)

const watcherUpdatedJSON = `{
  "port": 5000,
  "users": [
    {
      "username": "Alice",
      "audioDeviceId": "Mic B",
      "characters": [{"name": "Knight", "visible": false, "active": true}]
    }
  ]
}
`

// touchForward moves the file's modification time ahead so that edits made
// within the filesystem's timestamp granularity are still noticed.
func touchForward(t *testing.T, path string, by time.Duration) {
	t.Helper()
	ts := time.Now().Add(by)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

// startWatcher runs a watcher for path until the test ends and returns a
// channel receiving each reloaded configuration.
func startWatcher(t *testing.T, store *config.Store, opts ...config.WatcherOption) (*config.Watcher, <-chan config.Configuration) {
	t.Helper()
	changes := make(chan config.Configuration, 8)
	opts = append([]config.WatcherOption{config.WithInterval(20 * time.Millisecond)}, opts...)
	w, err := config.NewWatcher(store, func(cfg config.Configuration) {
		changes <- cfg
	}, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return w, changes
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), config.FileName)
	writeFile(t, path, sampleJSON)

	_, changes := startWatcher(t, config.NewStore(path))

	writeFile(t, path, watcherUpdatedJSON)
	touchForward(t, path, time.Second)

	select {
	case cfg := <-changes:
		if len(cfg.Users) != 1 || cfg.Users[0].DeviceID() != "Mic B" {
			t.Errorf("reloaded config: got %+v", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}
}

func TestWatcher_InvalidFileIgnored(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), config.FileName)
	writeFile(t, path, sampleJSON)

	_, changes := startWatcher(t, config.NewStore(path))

	writeFile(t, path, `{"port": `)
	touchForward(t, path, time.Second)

	select {
	case cfg := <-changes:
		t.Fatalf("callback invoked for invalid file with %+v", cfg)
	case <-time.After(200 * time.Millisecond):
	}

	// A later valid edit is still picked up.
	writeFile(t, path, watcherUpdatedJSON)
	touchForward(t, path, 2*time.Second)

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("valid edit after invalid one was not picked up")
	}
}

func TestWatcher_WaitsForLock(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), config.FileName)
	writeFile(t, path, sampleJSON)

	var mu sync.Mutex
	_, changes := startWatcher(t, config.NewStore(path), config.WithLock(&mu))

	mu.Lock()
	writeFile(t, path, watcherUpdatedJSON)
	touchForward(t, path, time.Second)

	select {
	case <-changes:
		mu.Unlock()
		t.Fatal("reload delivered while the lock was held")
	case <-time.After(200 * time.Millisecond):
	}
	mu.Unlock()

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("reload not delivered after the lock was released")
	}
}

func TestWatcher_SaveUnderLockSupersedesExternalEdit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), config.FileName)
	writeFile(t, path, sampleJSON)
	store := config.NewStore(path)

	var mu sync.Mutex
	_, changes := startWatcher(t, store, config.WithLock(&mu))

	// An external edit lands, then an update applies and saves before the
	// watcher gets the lock. The saved file is what memory holds, so the
	// edit must not be reloaded over it.
	mu.Lock()
	writeFile(t, path, watcherUpdatedJSON)
	touchForward(t, path, time.Second)
	time.Sleep(60 * time.Millisecond)
	if err := store.Save(context.Background(), config.Configuration{Port: 7000, Users: []config.UserMapping{}}); err != nil {
		mu.Unlock()
		t.Fatalf("Save: %v", err)
	}
	touchForward(t, path, 2*time.Second)
	mu.Unlock()

	select {
	case cfg := <-changes:
		t.Fatalf("external edit reloaded over a later save: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
	if got := readFile(t, path); !strings.Contains(got, "7000") {
		t.Errorf("file does not hold the saved update:\n%s", got)
	}
}

func TestWatcher_IgnoresOwnSaves(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), config.FileName)
	writeFile(t, path, sampleJSON)
	store := config.NewStore(path)

	_, changes := startWatcher(t, store)

	cfg, err := config.Decode([]byte(watcherUpdatedJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := store.Save(context.Background(), cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	touchForward(t, path, time.Second)

	select {
	case got := <-changes:
		t.Fatalf("callback invoked for the store's own write with %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), config.FileName)
	writeFile(t, path, sampleJSON)

	_, changes := startWatcher(t, config.NewStore(path))
	touchForward(t, path, time.Second)

	select {
	case got := <-changes:
		t.Fatalf("callback invoked for touch with %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_InitialReadFails(t *testing.T) {
	t.Parallel()
	store := config.NewStore(filepath.Join(t.TempDir(), "missing", config.FileName))
	if _, err := config.NewWatcher(store, nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), config.FileName)
	writeFile(t, path, sampleJSON)

	w, err := config.NewWatcher(config.NewStore(path), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	w.Stop()
	w.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: got %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
