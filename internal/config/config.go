// Package config provides the persisted Spotters configuration: the user,
// device and character roster shared by the volume monitors and the
// character update endpoint.
//
// The file on disk is the single source of truth. [Store] loads it (seeding
// defaults on first run and discovering characters from the media asset
// layout when none are configured) and saves it with bounded retries when
// another process holds the file. [Watcher] picks up edits made by other
// writers, and [Diff] reports what changed between two snapshots.
package config

import (
	"encoding/json"
	"slices"
)

// DefaultPort is the listening port used when the file does not set one.
const DefaultPort = 1234

// Configuration is the root of the persisted roster.
type Configuration struct {
	// Port is the TCP port the overlay server listens on.
	Port int `json:"port"`

	// Users lists every user in display order.
	Users []UserMapping `json:"users"`
}

// UserMapping binds a user to an audio input device and a roster of characters.
type UserMapping struct {
	// Username is unique within the configuration, compared case-insensitively.
	Username string `json:"username"`

	// AudioDeviceID names the user's capture device. Nil means unassigned and
	// is omitted from the file.
	AudioDeviceID *string `json:"audioDeviceId,omitempty"`

	// Characters is the user's roster in display order. At most one entry is
	// active.
	Characters []Character `json:"characters"`
}

// Character is a persona a user may voice.
type Character struct {
	// Name is unique within its user, compared case-insensitively.
	Name string `json:"name"`

	// Visible reports whether overlays show the character.
	Visible bool `json:"visible"`

	// Active reports whether the character currently receives the user's volume.
	Active bool `json:"active"`
}

// Default returns an empty configuration with the default port.
func Default() Configuration {
	return Configuration{Port: DefaultPort, Users: []UserMapping{}}
}

// UnmarshalJSON decodes u, also accepting the audioDeviceProductName key
// written by older settings editors. audioDeviceId wins when both are set.
func (u *UserMapping) UnmarshalJSON(data []byte) error {
	type plain UserMapping
	var v struct {
		plain
		LegacyDevice *string `json:"audioDeviceProductName"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*u = UserMapping(v.plain)
	if u.AudioDeviceID == nil {
		u.AudioDeviceID = v.LegacyDevice
	}
	return nil
}

// DeviceID returns the assigned device identifier, or "" when unassigned.
func (u UserMapping) DeviceID() string {
	if u.AudioDeviceID == nil {
		return ""
	}
	return *u.AudioDeviceID
}

// HasDevice reports whether a device is assigned.
func (u UserMapping) HasDevice() bool {
	return u.AudioDeviceID != nil
}

// CharacterCount returns the number of characters across all users.
func (c Configuration) CharacterCount() int {
	n := 0
	for _, u := range c.Users {
		n += len(u.Characters)
	}
	return n
}

// Clone returns a deep copy of c. Nil slices become empty slices so that the
// copy always serialises as arrays.
func (c Configuration) Clone() Configuration {
	out := Configuration{Port: c.Port, Users: make([]UserMapping, len(c.Users))}
	for i, u := range c.Users {
		out.Users[i] = u.Clone()
	}
	return out
}

// Clone returns a deep copy of u.
func (u UserMapping) Clone() UserMapping {
	out := UserMapping{Username: u.Username, Characters: slices.Clone(u.Characters)}
	if out.Characters == nil {
		out.Characters = []Character{}
	}
	if u.AudioDeviceID != nil {
		id := *u.AudioDeviceID
		out.AudioDeviceID = &id
	}
	return out
}

// Equal reports whether c and o describe the same configuration. Nil and
// empty slices compare equal.
func (c Configuration) Equal(o Configuration) bool {
	if c.Port != o.Port || len(c.Users) != len(o.Users) {
		return false
	}
	for i := range c.Users {
		if !c.Users[i].Equal(o.Users[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether u and o describe the same user.
func (u UserMapping) Equal(o UserMapping) bool {
	if u.Username != o.Username || !sameDevice(u.AudioDeviceID, o.AudioDeviceID) {
		return false
	}
	return slices.Equal(u.Characters, o.Characters)
}

func sameDevice(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// StringPtr returns a pointer to s. Handy for building [UserMapping] literals.
func StringPtr(s string) *string {
	return &s
}
