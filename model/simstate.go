package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SimState is the lifecycle state of a single simulation.
type SimState int

const (
	// SimStateDefault is the zero value. It is never assigned to a tracked
	// simulation and only shows up when a field was left unset.
	SimStateDefault SimState = iota
	SimStateRunning
	SimStateFinished
	SimStateCanceled
	SimStateTimeout
	// SimStateUnknown marks a simulation whose node became unreachable.
	SimStateUnknown
)

var simStateNames = map[SimState]string{
	SimStateDefault:  "DEFAULT",
	SimStateRunning:  "RUNNING",
	SimStateFinished: "FINISHED",
	SimStateCanceled: "CANCELED",
	SimStateTimeout:  "TIMEOUT",
	SimStateUnknown:  "UNKNOWN",
}

func (s SimState) String() string {
	if name, ok := simStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SimState(%d)", int(s))
}

// IsTerminal reports whether no further transition is accepted from s.
func (s SimState) IsTerminal() bool {
	switch s {
	case SimStateFinished, SimStateCanceled, SimStateTimeout, SimStateUnknown:
		return true
	default:
		return false
	}
}

// ParseSimState maps a state name back onto a SimState.
func ParseSimState(name string) (SimState, error) {
	for s, n := range simStateNames {
		if n == name {
			return s, nil
		}
	}
	return SimStateDefault, fmt.Errorf("unknown sim state %q", name)
}

func (s SimState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SimState) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseSimState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SimulationRecord is the state machine's view of one simulation.
type SimulationRecord struct {
	Simulation   SimulationID     `json:"sid"`
	Node         SimulationNodeID `json:"snid"`
	TestID       string           `json:"test_id,omitempty"`
	State        SimState         `json:"state"`
	Cause        string           `json:"cause,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	LastProgress time.Time        `json:"last_progress"`
	EndedAt      time.Time        `json:"ended_at,omitempty"`
}
