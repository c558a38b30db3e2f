// Package spotter implements the character update service and the HTTP
// endpoints overlays and control surfaces use to read and change a user's
// characters.
package spotter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/spotters/internal/config"
	"github.com/MrWong99/spotters/internal/observe"
	"github.com/MrWong99/spotters/internal/roster"
)

// Saver persists a configuration. [*config.Store] implements it.
type Saver interface {
	Save(ctx context.Context, cfg config.Configuration) error
}

// Service applies character updates to the live roster and persists them.
type Service struct {
	roster  *roster.Roster
	store   Saver
	metrics *observe.Metrics

	// saveMu orders apply-and-save pairs so the file always holds the
	// latest applied batch.
	saveMu sync.Mutex
}

// NewService returns a service writing through store. m may be nil.
func NewService(r *roster.Roster, store Saver, m *observe.Metrics) *Service {
	return &Service{roster: r, store: store, metrics: m}
}

// UpdateCharacters overwrites the visible and active flags of the named
// characters of username and saves the whole configuration.
//
// Every target is checked before anything changes: an unknown user or
// character returns an error matching [roster.ErrUserNotFound] or
// [roster.ErrCharacterNotFound], and a batch leaving more than one character
// active returns [roster.ErrConflictingActive]. Neither case modifies the
// roster or touches the file.
//
// If saving fails the roster keeps the applied flags, so monitors already
// reflect the update, and the save error is returned.
func (s *Service) UpdateCharacters(ctx context.Context, username string, updates []roster.CharacterUpdate) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	cfg, err := s.roster.Apply(username, updates)
	if err != nil {
		s.record(ctx, statusFor(err))
		return err
	}
	if err := s.store.Save(ctx, cfg); err != nil {
		s.record(ctx, "error")
		return fmt.Errorf("spotter: save update for %q: %w", username, err)
	}
	s.record(ctx, "ok")
	observe.Logger(ctx).Info("characters updated", "user", username, "count", len(updates))
	return nil
}

// SaveLock returns the lock that orders updates with their saves. Code that
// replaces the roster from the file takes it so that a reload and an update
// never interleave.
func (s *Service) SaveLock() sync.Locker {
	return &s.saveMu
}

func (s *Service) record(ctx context.Context, status string) {
	if s.metrics != nil {
		s.metrics.RecordCharacterUpdate(ctx, status)
	}
}

func statusFor(err error) string {
	switch {
	case errors.Is(err, roster.ErrUserNotFound), errors.Is(err, roster.ErrCharacterNotFound):
		return "not_found"
	case errors.Is(err, roster.ErrConflictingActive):
		return "conflict"
	default:
		return "error"
	}
}
