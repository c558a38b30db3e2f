package roster

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/spotters/internal/config"
)

var (
	// ErrUserNotFound is matched by lookups of an unknown username.
	ErrUserNotFound = errors.New("roster: user not found")

	// ErrCharacterNotFound is matched by lookups of an unknown character.
	ErrCharacterNotFound = errors.New("roster: character not found")

	// ErrConflictingActive rejects an update batch that would leave a user
	// with more than one active character.
	ErrConflictingActive = errors.New("roster: update leaves more than one active character")
)

// suggestThreshold is the minimum Jaro-Winkler similarity for a "did you
// mean" suggestion.
const suggestThreshold = 0.8

// NotFoundError reports an unknown user or character. It matches
// [ErrUserNotFound] or [ErrCharacterNotFound] via [errors.Is].
type NotFoundError struct {
	// User is the requested username.
	User string

	// Character is the requested character name; empty for user lookups.
	Character string

	// Suggestion is the closest existing name, if any is similar enough.
	Suggestion string
}

func (e *NotFoundError) Error() string {
	var b strings.Builder
	if e.Character == "" {
		fmt.Fprintf(&b, "user %q not found", e.User)
	} else {
		fmt.Fprintf(&b, "character %q not found for user %q", e.Character, e.User)
	}
	if e.Suggestion != "" {
		fmt.Fprintf(&b, " (did you mean %q?)", e.Suggestion)
	}
	return b.String()
}

// Unwrap returns the matching sentinel.
func (e *NotFoundError) Unwrap() error {
	if e.Character == "" {
		return ErrUserNotFound
	}
	return ErrCharacterNotFound
}

// suggest returns the candidate most similar to name, or "" when none
// reaches [suggestThreshold].
func suggest(name string, candidates []string) string {
	key := config.FoldKey(name)
	best, bestScore := "", 0.0
	for _, c := range candidates {
		if s := matchr.JaroWinkler(key, config.FoldKey(c), false); s > bestScore {
			best, bestScore = c, s
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}
