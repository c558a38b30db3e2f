// Package roster holds the live, shared Spotters configuration and the rules
// for which character currently receives a user's volume.
//
// A [Roster] is read on every audio frame by each monitor and written by
// character updates and configuration reloads. All access goes through a
// single RWMutex and every read returns a copy, so callers never observe a
// roster that is being modified.
package roster

import (
	"fmt"
	"sync"

	"github.com/MrWong99/spotters/internal/config"
)

// CharacterUpdate overwrites the flags of one character, matched by name
// case-insensitively.
type CharacterUpdate struct {
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
	Active  bool   `json:"active"`
}

// Roster is the live configuration shared by monitors and the update
// service. The zero value is not usable; create one with [New].
type Roster struct {
	mu    sync.RWMutex
	cfg   config.Configuration
	users map[string]int // folded username -> index in cfg.Users
}

// New returns a roster holding a copy of cfg.
func New(cfg config.Configuration) *Roster {
	r := &Roster{}
	r.replace(cfg)
	return r
}

// Snapshot returns a deep copy of the live configuration.
func (r *Roster) Snapshot() config.Configuration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Clone()
}

// Replace swaps the live configuration for a copy of cfg.
func (r *Roster) Replace(cfg config.Configuration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replace(cfg)
}

func (r *Roster) replace(cfg config.Configuration) {
	r.cfg = cfg.Clone()
	r.users = make(map[string]int, len(r.cfg.Users))
	for i, u := range r.cfg.Users {
		key := config.FoldKey(u.Username)
		if _, dup := r.users[key]; !dup {
			r.users[key] = i
		}
	}
}

// Port returns the configured listening port.
func (r *Roster) Port() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Port
}

// Users returns a copy of every user in display order.
func (r *Roster) Users() []config.UserMapping {
	return r.Snapshot().Users
}

// User returns a copy of the user named username.
func (r *Roster) User(username string) (config.UserMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, err := r.userIndex(username)
	if err != nil {
		return config.UserMapping{}, err
	}
	return r.cfg.Users[i].Clone(), nil
}

// Character returns a copy of the named character of username.
func (r *Roster) Character(username, name string) (config.Character, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, err := r.userIndex(username)
	if err != nil {
		return config.Character{}, err
	}
	u := &r.cfg.Users[i]
	j, err := characterIndex(u, name)
	if err != nil {
		return config.Character{}, err
	}
	return u.Characters[j], nil
}

// ResolveActive returns the characters of username appended to dst[:0], and
// the index of the active one. When no character is active the first one is
// activated in the live roster. Several active characters are reduced to the
// first and reported with [ErrMultipleActive]; the returned slice is still
// valid in that case. A user without characters yields an empty slice and
// index -1.
//
// Passing the previous result as dst avoids an allocation per call.
func (r *Roster) ResolveActive(username string, dst []config.Character) ([]config.Character, int, error) {
	r.mu.RLock()
	i, err := r.userIndex(username)
	if err != nil {
		r.mu.RUnlock()
		return dst[:0], -1, err
	}
	idx, aerr := ActiveCharacter(r.cfg.Users[i].Characters)
	if idx >= 0 && aerr == nil {
		dst = append(dst[:0], r.cfg.Users[i].Characters...)
		r.mu.RUnlock()
		return dst, idx, nil
	}
	empty := len(r.cfg.Users[i].Characters) == 0
	r.mu.RUnlock()
	if empty {
		return dst[:0], -1, nil
	}

	// Slow path: the roster needs repair, which requires the write lock. The
	// user may have changed in between, so look it up again.
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, err = r.userIndex(username); err != nil {
		return dst[:0], -1, err
	}
	chars := r.cfg.Users[i].Characters
	idx, aerr = EnsureActive(chars)
	return append(dst[:0], chars...), idx, aerr
}

// Apply overwrites the visible and active flags of the characters named in
// updates for username and returns a copy of the resulting configuration.
//
// The batch is validated before anything changes: an unknown user or
// character yields a [*NotFoundError], and a batch that would leave more than
// one character active yields [ErrConflictingActive]. In both cases the
// roster is left untouched.
func (r *Roster) Apply(username string, updates []CharacterUpdate) (config.Configuration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, err := r.userIndex(username)
	if err != nil {
		return config.Configuration{}, err
	}
	u := &r.cfg.Users[i]

	targets := make([]int, len(updates))
	for k, upd := range updates {
		j, err := characterIndex(u, upd.Name)
		if err != nil {
			return config.Configuration{}, err
		}
		targets[k] = j
	}

	next := u.Clone().Characters
	for k, upd := range updates {
		next[targets[k]].Visible = upd.Visible
		next[targets[k]].Active = upd.Active
	}
	if _, err := ActiveCharacter(next); err != nil {
		var names []string
		for _, c := range next {
			if c.Active {
				names = append(names, c.Name)
			}
		}
		return config.Configuration{}, fmt.Errorf("%w: user %q would have %q active", ErrConflictingActive, u.Username, names)
	}

	u.Characters = next
	return r.cfg.Clone(), nil
}

// userIndex must be called with r.mu held.
func (r *Roster) userIndex(username string) (int, error) {
	if i, ok := r.users[config.FoldKey(username)]; ok {
		return i, nil
	}
	names := make([]string, len(r.cfg.Users))
	for i, u := range r.cfg.Users {
		names[i] = u.Username
	}
	return -1, &NotFoundError{User: username, Suggestion: suggest(username, names)}
}

func characterIndex(u *config.UserMapping, name string) (int, error) {
	for j := range u.Characters {
		if config.SameName(u.Characters[j].Name, name) {
			return j, nil
		}
	}
	names := make([]string, len(u.Characters))
	for j, c := range u.Characters {
		names[j] = c.Name
	}
	return -1, &NotFoundError{User: u.Username, Character: name, Suggestion: suggest(name, names)}
}
