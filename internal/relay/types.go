package relay

import (
	"fmt"
	"time"
)

// Relay identifiers are fixed by the controller's wiring.
const (
	MinID = 0
	MaxID = 3
	Count = MaxID - MinID + 1
)

var names = [Count]string{"Lights", "Fan", "Pump", "Heater"}

// ValidID reports whether id addresses a physical relay.
func ValidID(id int) bool {
	return id >= MinID && id <= MaxID
}

// Name returns the display name of a relay, or "Relay N" for unknown ids.
func Name(id int) string {
	if !ValidID(id) {
		return fmt.Sprintf("Relay %d", id)
	}
	return names[id]
}

// Mode is advisory metadata describing who is expected to drive a relay.
// The automation engine does not gate its writes on it.
type Mode string

// Supported modes.
const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// Valid reports whether m is a supported mode.
func (m Mode) Valid() bool {
	return m == ModeManual || m == ModeAuto
}

// Well-known changed_by values.
const (
	ChangedByUser   = "user"
	ChangedByRule   = "rule"
	ChangedBySystem = "system"
	ChangedByDevice = "esp32"
)

// Origin identifies which of the writers produced a transition.
type Origin string

// Writers converging on the register.
const (
	// OriginOperator is a command sent by an operator over the real-time channel.
	OriginOperator Origin = "operator"
	// OriginRule is an action fired by the automation engine.
	OriginRule Origin = "rule"
	// OriginDevice is the controller echoing its own relay state.
	OriginDevice Origin = "device"
	// OriginSystem is a seeded default written at device registration.
	OriginSystem Origin = "system"
)

// issuesCommand reports whether transitions from this origin must be pushed
// to the device subgroup. Device echoes are not re-issued, which would loop.
func (o Origin) issuesCommand() bool {
	return o == OriginOperator || o == OriginRule
}

// State is one append-only relay transition record.
type State struct {
	ID        int64     `json:"id"`
	RelayID   int       `json:"relay_id"`
	State     bool      `json:"state"`
	Mode      Mode      `json:"mode"`
	ChangedBy string    `json:"changed_by"`
	DeviceID  string    `json:"device_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NamedState is a State annotated with the relay's display name.
type NamedState struct {
	State
	Name string `json:"name"`
}

// Command is the directive pushed to the device subgroup.
type Command struct {
	RelayID   int       `json:"relay_id"`
	State     bool      `json:"state"`
	Mode      Mode      `json:"mode"`
	ChangedBy string    `json:"changed_by,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Change is a requested transition, before defaults are applied.
type Change struct {
	RelayID   int
	State     bool
	Mode      Mode
	ChangedBy string
	DeviceID  string
	Origin    Origin
}

// OnOff renders a relay state for log messages.
func OnOff(state bool) string {
	if state {
		return "on"
	}
	return "off"
}
