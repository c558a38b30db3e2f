package spotter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/spotters/internal/config"
	"github.com/MrWong99/spotters/internal/roster"
	"github.com/MrWong99/spotters/internal/spotter"
)

// memStore is an in-memory Saver.
type memStore struct {
	mu    sync.Mutex
	saves []config.Configuration
	err   error
}

func (s *memStore) Save(_ context.Context, cfg config.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves = append(s.saves, cfg.Clone())
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *memStore) last() config.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[len(s.saves)-1]
}

func testConfig() config.Configuration {
	return config.Configuration{
		Port: 1234,
		Users: []config.UserMapping{
			{
				Username:      "Alice",
				AudioDeviceID: config.StringPtr("Mic A"),
				Characters: []config.Character{
					{Name: "Knight", Visible: true, Active: true},
					{Name: "Mage", Visible: false, Active: false},
				},
			},
			{Username: "Bob", Characters: []config.Character{{Name: "Rogue"}}},
		},
	}
}

func TestUpdateCharacters_AppliesAndSaves(t *testing.T) {
	t.Parallel()
	r := roster.New(testConfig())
	store := &memStore{}
	svc := spotter.NewService(r, store, nil)

	err := svc.UpdateCharacters(context.Background(), "alice", []roster.CharacterUpdate{
		{Name: "knight", Visible: false, Active: false},
		{Name: "MAGE", Visible: true, Active: true},
	})
	if err != nil {
		t.Fatalf("UpdateCharacters: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("saves: got %d, want 1", store.count())
	}
	saved := store.last()
	if !saved.Equal(r.Snapshot()) {
		t.Error("saved configuration differs from the live roster")
	}
	want := []config.Character{
		{Name: "Knight", Visible: false, Active: false},
		{Name: "Mage", Visible: true, Active: true},
	}
	for i, c := range saved.Users[0].Characters {
		if c != want[i] {
			t.Errorf("characters[%d]: got %+v, want %+v", i, c, want[i])
		}
	}
	// Other users are persisted unchanged.
	if !saved.Users[1].Equal(testConfig().Users[1]) {
		t.Errorf("Bob changed: %+v", saved.Users[1])
	}
}

func TestUpdateCharacters_RejectsWithoutSaving(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		user    string
		updates []roster.CharacterUpdate
		want    error
	}{
		{"unknown user", "Mallory", []roster.CharacterUpdate{{Name: "Knight"}}, roster.ErrUserNotFound},
		{"unknown character", "Alice", []roster.CharacterUpdate{
			{Name: "Mage", Visible: true},
			{Name: "Paladin", Active: true},
		}, roster.ErrCharacterNotFound},
		{"two active", "Alice", []roster.CharacterUpdate{{Name: "Mage", Active: true}}, roster.ErrConflictingActive},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := roster.New(testConfig())
			store := &memStore{}
			svc := spotter.NewService(r, store, nil)

			err := svc.UpdateCharacters(context.Background(), tc.user, tc.updates)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err: got %v, want %v", err, tc.want)
			}
			if store.count() != 0 {
				t.Errorf("saves: got %d, want 0", store.count())
			}
			if !r.Snapshot().Equal(testConfig()) {
				t.Error("roster changed after rejected update")
			}
		})
	}
}

func TestUpdateCharacters_SaveFailure(t *testing.T) {
	t.Parallel()
	r := roster.New(testConfig())
	errDisk := errors.New("disk full")
	svc := spotter.NewService(r, &memStore{err: errDisk}, nil)

	err := svc.UpdateCharacters(context.Background(), "Bob", []roster.CharacterUpdate{{Name: "Rogue", Visible: true, Active: true}})
	if !errors.Is(err, errDisk) {
		t.Fatalf("err: got %v, want %v", err, errDisk)
	}
	// The live roster keeps the applied update.
	if c, _ := r.Character("Bob", "Rogue"); !c.Visible {
		t.Error("applied update was lost after save failure")
	}
}

func TestUpdateCharacters_ConcurrentSavesAreOrdered(t *testing.T) {
	t.Parallel()
	r := roster.New(testConfig())
	store := &memStore{}
	svc := spotter.NewService(r, store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.UpdateCharacters(context.Background(), "Bob", []roster.CharacterUpdate{
				{Name: "Rogue", Visible: i%2 == 0, Active: true},
			})
		}()
	}
	wg.Wait()

	if store.count() != 20 {
		t.Fatalf("saves: got %d, want 20", store.count())
	}
	if !store.last().Equal(r.Snapshot()) {
		t.Error("last save does not match the live roster")
	}
}

func TestUpdateCharacters_WaitsForSaveLock(t *testing.T) {
	t.Parallel()
	r := roster.New(testConfig())
	store := &memStore{}
	svc := spotter.NewService(r, store, nil)

	lock := svc.SaveLock()
	lock.Lock()
	done := make(chan error, 1)
	go func() {
		done <- svc.UpdateCharacters(context.Background(), "Alice", []roster.CharacterUpdate{{Name: "Mage", Visible: true}})
	}()

	select {
	case err := <-done:
		lock.Unlock()
		t.Fatalf("update finished while the save lock was held (err=%v)", err)
	case <-time.After(100 * time.Millisecond):
	}
	if store.count() != 0 {
		t.Error("saved while the save lock was held")
	}
	lock.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("UpdateCharacters: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update did not finish after the lock was released")
	}
	if store.count() != 1 {
		t.Errorf("saves: got %d, want 1", store.count())
	}
}
