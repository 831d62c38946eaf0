package telemetry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/simorchestrator/model"
)

var (
	// ErrInvalidBinding indicates a binding that cannot be polled.
	ErrInvalidBinding = errors.New("invalid sensor binding")
	// ErrBindingExists indicates a request id already bound elsewhere.
	ErrBindingExists = errors.New("request id already bound")
)

// SensorBinding ties an opaque request id to the sensor that produces it.
type SensorBinding struct {
	RequestID  string             `json:"request_id"`
	Simulation model.SimulationID `json:"sid"`
	Vehicle    model.VehicleID    `json:"vid"`
	Kind       model.DataKind     `json:"kind"`
}

// String renders the binding for log lines.
func (b SensorBinding) String() string {
	return fmt.Sprintf("%s(%s/%s:%s)", b.RequestID, b.Simulation, b.Vehicle, b.Kind)
}

func (b SensorBinding) validate() error {
	switch {
	case b.RequestID == "":
		return fmt.Errorf("%w: empty request id", ErrInvalidBinding)
	case b.Simulation == "":
		return fmt.Errorf("%w: %q has no simulation", ErrInvalidBinding, b.RequestID)
	case b.Vehicle == "":
		return fmt.Errorf("%w: %q has no vehicle", ErrInvalidBinding, b.RequestID)
	case b.Kind == model.DataKindUnset || b.Kind == model.DataKindError:
		return fmt.Errorf("%w: %q has no sensor kind", ErrInvalidBinding, b.RequestID)
	}
	return nil
}

// BindingTable is a concurrency-safe request-id -> binding store. Values are
// stored and returned by copy.
type BindingTable struct {
	mu    sync.RWMutex
	byID  map[string]SensorBinding
	bySim map[model.SimulationID]map[string]struct{}
}

// NewBindingTable creates an empty table.
func NewBindingTable() *BindingTable {
	return &BindingTable{
		byID:  make(map[string]SensorBinding),
		bySim: make(map[model.SimulationID]map[string]struct{}),
	}
}

// Put stores b. Re-binding an id to the identical sensor is a no-op.
func (t *BindingTable) Put(b SensorBinding) error {
	if err := b.validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.byID[b.RequestID]; ok {
		if prev == b {
			return nil
		}
		return fmt.Errorf("%w: %q -> %s/%s", ErrBindingExists, b.RequestID, prev.Simulation, prev.Vehicle)
	}
	t.byID[b.RequestID] = b
	set := t.bySim[b.Simulation]
	if set == nil {
		set = make(map[string]struct{})
		t.bySim[b.Simulation] = set
	}
	set[b.RequestID] = struct{}{}
	return nil
}

// Get returns the binding for id.
func (t *BindingTable) Get(id string) (SensorBinding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.byID[id]
	return b, ok
}

// Delete removes one id and reports whether it existed.
func (t *BindingTable) Delete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	if set := t.bySim[b.Simulation]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(t.bySim, b.Simulation)
		}
	}
	return true
}

// DeleteSimulation removes every binding of sim and returns how many were
// dropped.
func (t *BindingTable) DeleteSimulation(sim model.SimulationID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.bySim[sim]
	for id := range set {
		delete(t.byID, id)
	}
	delete(t.bySim, sim)
	return len(set)
}

// Len returns the number of bound ids.
func (t *BindingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
