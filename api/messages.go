// Package api defines the wire messages, service descriptors and typed
// clients of the orchestrator's gRPC surface.
package api

import (
	"time"

	"github.com/signalsfoundry/simorchestrator/model"
)

// Empty is returned by calls that carry no result.
type Empty struct{}

// ---- Orchestrator (AI and test-runner facing) ----

type SendControlRequest struct {
	Simulation model.SimulationID `json:"sid"`
	Vehicle    model.VehicleID    `json:"vid,omitempty"`
	Control    model.Control      `json:"control"`
}

// SimulationSpec describes one requested simulation.
type SimulationSpec struct {
	TestID   string `json:"test_id,omitempty"`
	Scenario string `json:"scenario,omitempty"`
}

type SubmitSimulationsRequest struct {
	// Simulations is keyed by caller-chosen request key.
	Simulations map[string]SimulationSpec `json:"simulations"`
}

type GetSimStateRequest struct {
	Simulation model.SimulationID `json:"sid"`
}

type GetSimStateResponse struct {
	State  model.SimState         `json:"state"`
	Record model.SimulationRecord `json:"record"`
}

type GetTestResultRequest struct {
	TestID string `json:"test_id"`
}

// Cycle is one verification evaluation window.
type Cycle struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type TestResultResponse struct {
	TestID    string                     `json:"test_id"`
	Result    model.TestResult           `json:"result"`
	Finalized bool                       `json:"finalized"`
	Records   []model.VerificationResult `json:"records,omitempty"`
	Cycles    []Cycle                    `json:"cycles,omitempty"`
}

type RecordVerificationRequest struct {
	TestID string                   `json:"test_id"`
	Result model.VerificationResult `json:"result"`
	// Cycle is optional; a zero Start records no cycle.
	Cycle Cycle `json:"cycle"`
}

type WaitForSimulatorRequestRequest struct {
	Simulation model.SimulationID `json:"sid"`
	Vehicle    model.VehicleID    `json:"vid"`
}

type SimStateResponse struct {
	State model.SimState `json:"state"`
}

// ---- NodeRegistry (simulation-node facing) ----

type RegisterNodeRequest struct {
	// Node may be empty to have the orchestrator pick an id.
	Node     model.SimulationNodeID `json:"snid,omitempty"`
	Address  string                 `json:"address"`
	Capacity int                    `json:"capacity"`
}

type RegisterNodeResponse struct {
	Node                    model.SimulationNodeID `json:"snid"`
	HeartbeatIntervalMillis int64                  `json:"heartbeat_interval_ms"`
}

type DeregisterNodeRequest struct {
	Node model.SimulationNodeID `json:"snid"`
}

type HeartbeatRequest struct {
	Node      model.SimulationNodeID `json:"snid"`
	Timestamp time.Time              `json:"timestamp"`
}

type ReportProgressRequest struct {
	Simulation model.SimulationID `json:"sid"`
}

type ReportCompletionRequest struct {
	Simulation model.SimulationID `json:"sid"`
	State      model.SimState     `json:"state"`
	Cause      string             `json:"cause,omitempty"`
}

type RegisterVehicleRequest struct {
	Simulation model.SimulationID `json:"sid"`
	Vehicle    model.VehicleID    `json:"vid,omitempty"`
}

type RegisterVehicleResponse struct {
	Vehicle model.VehicleID `json:"vid"`
}

type BindSensorRequest struct {
	RequestID  string             `json:"request_id"`
	Simulation model.SimulationID `json:"sid"`
	Vehicle    model.VehicleID    `json:"vid"`
	Kind       model.DataKind     `json:"kind"`
}

type RequestAIForRequest struct {
	Simulation model.SimulationID `json:"sid"`
	Vehicle    model.VehicleID    `json:"vid"`
}

type RequestAIForResponse struct {
	// Answered is false when the simulation ended before the AI replied.
	Answered bool `json:"answered"`
}

// ---- SimNode (served by each simulation node) ----

type StartSimulationRequest struct {
	Key        string                 `json:"key"`
	Simulation model.SimulationID     `json:"sid"`
	Node       model.SimulationNodeID `json:"snid"`
	TestID     string                 `json:"test_id"`
	Scenario   string                 `json:"scenario,omitempty"`
}

type PollSensorRequest struct {
	RequestID  string             `json:"request_id"`
	Simulation model.SimulationID `json:"sid"`
	Vehicle    model.VehicleID    `json:"vid"`
	Kind       model.DataKind     `json:"kind"`
}

type DeliverControlRequest struct {
	Simulation model.SimulationID `json:"sid"`
	Vehicle    model.VehicleID    `json:"vid,omitempty"`
	Control    model.Control      `json:"control"`
}
