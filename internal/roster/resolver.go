package roster

import (
	"errors"

	"github.com/MrWong99/spotters/internal/config"
)

// ErrMultipleActive reports a roster in which more than one character is
// marked active.
var ErrMultipleActive = errors.New("roster: more than one active character")

// ActiveCharacter returns the index of the active character in chars, or -1
// when none is active. When several are active it returns the first of them
// together with [ErrMultipleActive].
func ActiveCharacter(chars []config.Character) (int, error) {
	idx := -1
	for i := range chars {
		if !chars[i].Active {
			continue
		}
		if idx >= 0 {
			return idx, ErrMultipleActive
		}
		idx = i
	}
	return idx, nil
}

// EnsureActive makes sure exactly one character in chars is active and
// returns its index. With no active character the first one is activated.
// With several, the first active one is kept, the others are cleared, and
// [ErrMultipleActive] is returned alongside the index. An empty roster
// returns -1.
//
// chars is modified in place.
func EnsureActive(chars []config.Character) (int, error) {
	if len(chars) == 0 {
		return -1, nil
	}
	idx, err := ActiveCharacter(chars)
	switch {
	case idx < 0:
		chars[0].Active = true
		return 0, nil
	case err != nil:
		for i := idx + 1; i < len(chars); i++ {
			chars[i].Active = false
		}
		return idx, err
	}
	return idx, nil
}
