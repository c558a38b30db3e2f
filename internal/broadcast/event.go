package broadcast

import "encoding/json"

// Target is the client method invoked for every volume event.
const Target = "ReceiveVolume"

// invocationType marks a message as a one-way method invocation.
const invocationType = 1

// Event is one volume sample attributed to a character.
type Event struct {
	Username string

	// Volume is the scaled volume in [0, 10]. Inactive characters receive 0.
	Volume float64

	// Character is the character name. Empty is sent as null.
	Character string

	Visible bool
}

// MarshalJSON encodes e as an invocation of [Target]:
//
//	{"type":1,"target":"ReceiveVolume","arguments":[username, volume, character, visible]}
func (e Event) MarshalJSON() ([]byte, error) {
	var character any
	if e.Character != "" {
		character = e.Character
	}
	return json.Marshal(invocation{
		Type:      invocationType,
		Target:    Target,
		Arguments: []any{e.Username, e.Volume, character, e.Visible},
	})
}

type invocation struct {
	Type      int    `json:"type"`
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}
