// Package control maps physical controller input onto mixer actions.
// Mappings are data, not code: every incoming event is resolved through a
// (device, control) lookup table, keeping physical control identity fully
// decoupled from the logical action it drives.
package control

import (
	"time"

	"github.com/google/uuid"
)

// Action names a logical operation on a deck or effect unit. The engine
// registers a dispatcher that interprets these; the binder never touches
// decks directly.
type Action string

const (
	ActionPlay       Action = "deck.play"
	ActionPause      Action = "deck.pause"
	ActionStop       Action = "deck.stop"
	ActionPitch      Action = "deck.pitch"
	ActionVolume     Action = "deck.volume"
	ActionPan        Action = "deck.pan"
	ActionCrossfader Action = "mix.crossfader"
	ActionHotCue     Action = "deck.hotcue"
	ActionSync       Action = "deck.sync"
	ActionFXParam    Action = "fx.param"
	ActionFXToggle   Action = "fx.toggle"
)

// Mapping binds one physical control to one action/parameter pair on a
// target. Target addresses a deck ("deck:1") or an effect slot
// ("deck:1/fx:<uuid>"); Parameter selects the value within the target,
// such as an effect parameter name.
type Mapping struct {
	ID        uuid.UUID `json:"id"`
	DeviceID  string    `json:"device_id"`
	Control   string    `json:"control"`
	Action    Action    `json:"action"`
	Target    string    `json:"target"`
	Parameter string    `json:"parameter,omitempty"`
}

// Event is one raw control message from the hardware input layer.
// Raw carries the untranslated controller value, 0..127 MIDI-style.
type Event struct {
	DeviceID string
	Control  string
	Raw      float64
	At       time.Time
}

// rawMax is the upper bound of raw controller values.
const rawMax = 127.0

// Normalize converts the raw controller value to [0,1].
func (e Event) Normalize() float64 {
	v := e.Raw / rawMax
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type tableKey struct {
	device  string
	control string
}
