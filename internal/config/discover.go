package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Discover populates cfg with characters found under assetsDir, laid out as
// <assetsDir>/<username>/<character>/. Directories are matched to users
// case-insensitively; directories for unknown users are ignored.
// Discovered characters are hidden, and the first one per user is active.
//
// It returns the number of characters added.
func Discover(cfg *Configuration, assetsDir string) (int, error) {
	userDirs, err := os.ReadDir(assetsDir)
	if err != nil {
		return 0, fmt.Errorf("config: discover characters in %q: %w", assetsDir, err)
	}

	byKey := make(map[string]int, len(cfg.Users))
	for i, u := range cfg.Users {
		byKey[FoldKey(u.Username)] = i
	}

	added := 0
	for _, ud := range userDirs {
		if !ud.IsDir() {
			continue
		}
		idx, ok := byKey[FoldKey(ud.Name())]
		if !ok {
			continue
		}
		charDirs, err := os.ReadDir(filepath.Join(assetsDir, ud.Name()))
		if err != nil {
			return added, fmt.Errorf("config: discover characters for %q: %w", ud.Name(), err)
		}
		user := &cfg.Users[idx]
		first := true
		for _, cd := range charDirs {
			if !cd.IsDir() {
				continue
			}
			user.Characters = append(user.Characters, Character{
				Name:    cd.Name(),
				Visible: false,
				Active:  first,
			})
			first = false
			added++
		}
	}
	return added, nil
}
