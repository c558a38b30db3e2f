package config

import (
	"errors"
	"fmt"
)

// Validate checks cfg for duplicate usernames, duplicate character names and
// users with more than one active character. Lookups are case-insensitive, so
// names that differ only in case count as duplicates.
// It returns a joined error listing all problems found.
func Validate(cfg Configuration) error {
	var errs []error

	if cfg.Port < 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range [0, 65535]", cfg.Port))
	}

	usersSeen := make(map[string]int, len(cfg.Users))
	for i, u := range cfg.Users {
		prefix := fmt.Sprintf("users[%d]", i)
		if u.Username == "" {
			errs = append(errs, fmt.Errorf("%s.username is required", prefix))
		} else {
			key := FoldKey(u.Username)
			if prev, ok := usersSeen[key]; ok {
				errs = append(errs, fmt.Errorf("%s.username %q is a duplicate of users[%d]", prefix, u.Username, prev))
			}
			usersSeen[key] = i
		}

		charsSeen := make(map[string]int, len(u.Characters))
		active := 0
		for j, c := range u.Characters {
			cprefix := fmt.Sprintf("%s.characters[%d]", prefix, j)
			if c.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", cprefix))
			} else {
				key := FoldKey(c.Name)
				if prev, ok := charsSeen[key]; ok {
					errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of characters[%d]", cprefix, c.Name, prev))
				}
				charsSeen[key] = j
			}
			if c.Active {
				active++
			}
		}
		if active > 1 {
			errs = append(errs, fmt.Errorf("%s has %d active characters; at most one is allowed", prefix, active))
		}
	}

	return errors.Join(errs...)
}
