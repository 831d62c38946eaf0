package model

// VehicleID identifies a vehicle within one simulation. It is only unique
// inside its simulation; use VehicleRef when a platform-wide key is needed.
type VehicleID string

// SimulationID identifies a simulation across the platform's active set.
type SimulationID string

// SimulationNodeID identifies a worker capable of running simulations.
type SimulationNodeID string

// VehicleRef addresses one vehicle inside one simulation.
type VehicleRef struct {
	Simulation SimulationID `json:"sid"`
	Vehicle    VehicleID    `json:"vid"`
}

// String renders the reference as "sid/vid".
func (r VehicleRef) String() string {
	return string(r.Simulation) + "/" + string(r.Vehicle)
}
