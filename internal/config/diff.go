package config

// ConfigDiff describes what changed between two configurations.
// Users are matched by case-folded username.
type ConfigDiff struct {
	PortChanged bool
	NewPort     int

	UsersAdded   []string // usernames present only in the new config
	UsersRemoved []string // usernames present only in the old config

	// DevicesChanged lists users whose device assignment changed, including
	// added and removed users that have a device.
	DevicesChanged []string

	// RostersChanged lists users whose character names, order, or flags changed.
	RostersChanged []string
}

// Empty reports whether the two configurations were identical.
func (d ConfigDiff) Empty() bool {
	return !d.PortChanged &&
		len(d.UsersAdded) == 0 &&
		len(d.UsersRemoved) == 0 &&
		len(d.DevicesChanged) == 0 &&
		len(d.RostersChanged) == 0
}

// NeedsAudioRestart reports whether running monitors no longer match the
// device assignments.
func (d ConfigDiff) NeedsAudioRestart() bool {
	return len(d.DevicesChanged) > 0
}

// Diff compares old and new and returns what changed. Ordering of users is
// not significant; ordering of characters is.
func Diff(old, new Configuration) ConfigDiff {
	d := ConfigDiff{}

	if old.Port != new.Port {
		d.PortChanged = true
		d.NewPort = new.Port
	}

	oldUsers := make(map[string]*UserMapping, len(old.Users))
	for i := range old.Users {
		oldUsers[FoldKey(old.Users[i].Username)] = &old.Users[i]
	}
	newUsers := make(map[string]*UserMapping, len(new.Users))
	for i := range new.Users {
		newUsers[FoldKey(new.Users[i].Username)] = &new.Users[i]
	}

	// Walk in slice order so results are deterministic.
	for i := range old.Users {
		ou := &old.Users[i]
		nu, ok := newUsers[FoldKey(ou.Username)]
		if !ok {
			d.UsersRemoved = append(d.UsersRemoved, ou.Username)
			if ou.HasDevice() {
				d.DevicesChanged = append(d.DevicesChanged, ou.Username)
			}
			continue
		}
		if !sameDevice(ou.AudioDeviceID, nu.AudioDeviceID) {
			d.DevicesChanged = append(d.DevicesChanged, nu.Username)
		}
		if !sameRoster(ou.Characters, nu.Characters) || ou.Username != nu.Username {
			d.RostersChanged = append(d.RostersChanged, nu.Username)
		}
	}

	for i := range new.Users {
		nu := &new.Users[i]
		if _, ok := oldUsers[FoldKey(nu.Username)]; ok {
			continue
		}
		d.UsersAdded = append(d.UsersAdded, nu.Username)
		if nu.HasDevice() {
			d.DevicesChanged = append(d.DevicesChanged, nu.Username)
		}
	}

	return d
}

func sameRoster(a, b []Character) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
