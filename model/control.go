package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AvCommand is a continuous actuation command for one vehicle.
//
// Accelerate and Brake are pedal fractions. Steer is normalised to the
// vehicle's full lock; negative values steer left, positive values right.
type AvCommand struct {
	Accelerate float64 `json:"accelerate"`
	Steer      float64 `json:"steer"`
	Brake      float64 `json:"brake"`
}

// SimCommand is a terminal directive for a whole simulation.
type SimCommand int

const (
	SimCommandUnset SimCommand = iota
	SimCommandSucceed
	SimCommandFail
	SimCommandCancel
)

var simCommandNames = map[SimCommand]string{
	SimCommandUnset:   "UNSET",
	SimCommandSucceed: "SUCCEED",
	SimCommandFail:    "FAIL",
	SimCommandCancel:  "CANCEL",
}

func (c SimCommand) String() string {
	if name, ok := simCommandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("SimCommand(%d)", int(c))
}

func (c SimCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *SimCommand) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for k, n := range simCommandNames {
		if n == name {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("unknown sim command %q", name)
}

// Control carries exactly one of AvCommand or SimCommand.
type Control struct {
	AvCommand  *AvCommand  `json:"avCommand,omitempty"`
	SimCommand *SimCommand `json:"simCommand,omitempty"`
}

// ErrInvalidControl reports a Control value that does not carry exactly one
// command.
var ErrInvalidControl = errors.New("invalid control")

// Validate enforces the one-variant rule.
func (c Control) Validate() error {
	switch {
	case c.AvCommand != nil && c.SimCommand != nil:
		return fmt.Errorf("%w: both avCommand and simCommand set", ErrInvalidControl)
	case c.AvCommand == nil && c.SimCommand == nil:
		return fmt.Errorf("%w: no command set", ErrInvalidControl)
	case c.SimCommand != nil && *c.SimCommand == SimCommandUnset:
		return fmt.Errorf("%w: sim command unset", ErrInvalidControl)
	}
	return nil
}

// AvControl wraps an AvCommand.
func AvControl(cmd AvCommand) Control {
	return Control{AvCommand: &cmd}
}

// SimControl wraps a SimCommand.
func SimControl(cmd SimCommand) Control {
	return Control{SimCommand: &cmd}
}
